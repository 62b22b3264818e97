package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/medisched/ehr-scheduling/internal/db"
)

// simulate hammers the API with concurrent booking traffic and then
// verifies the no-double-booking invariant directly in the database:
// after any run, no doctor may have two non-cancelled appointments with
// overlapping intervals.

type simConfig struct {
	APIBaseURL  string
	PostgresDSN string
	Duration    time.Duration
	Workers     int
	DoctorLimit int
}

type dataPool struct {
	doctors  []string
	patients []string

	mu           sync.RWMutex
	appointments []uuid.UUID
}

func (dp *dataPool) addAppointment(id uuid.UUID) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.appointments = append(dp.appointments, id)
}

func (dp *dataPool) randomAppointment() (uuid.UUID, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.appointments) == 0 {
		return uuid.Nil, false
	}
	return dp.appointments[rand.Intn(len(dp.appointments))], true
}

type counters struct {
	created     atomic.Int64
	confirmed   atomic.Int64
	cancelled   atomic.Int64
	rescheduled atomic.Int64
	conflicts   atomic.Int64
	rejections  atomic.Int64
	errors      atomic.Int64
}

func main() {
	log := logrus.WithField("component", "simulate")

	cfg := loadSimConfig()
	log.WithFields(logrus.Fields{
		"api":      cfg.APIBaseURL,
		"duration": cfg.Duration.String(),
		"workers":  cfg.Workers,
	}).Info("starting simulation")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration+30*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.WithError(err).Fatal("connect postgres")
	}
	defer pool.Close()

	dp := &dataPool{}
	if dp.doctors, err = loadUserIDs(ctx, pool, "doctor", cfg.DoctorLimit); err != nil {
		log.WithError(err).Fatal("load doctors")
	}
	if dp.patients, err = loadUserIDs(ctx, pool, "patient", 500); err != nil {
		log.WithError(err).Fatal("load patients")
	}
	if len(dp.doctors) == 0 || len(dp.patients) == 0 {
		log.Fatal("no doctors or patients found, run cmd/seed first")
	}

	var c counters
	client := &http.Client{Timeout: 10 * time.Second}

	deadline := time.Now().Add(cfg.Duration)
	var wg sync.WaitGroup
	for i := 0; i < cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker(ctx, client, cfg.APIBaseURL, dp, &c, deadline)
		}()
	}
	wg.Wait()

	log.WithFields(logrus.Fields{
		"created":     c.created.Load(),
		"confirmed":   c.confirmed.Load(),
		"cancelled":   c.cancelled.Load(),
		"rescheduled": c.rescheduled.Load(),
		"conflicts":   c.conflicts.Load(),
		"rejections":  c.rejections.Load(),
		"errors":      c.errors.Load(),
	}).Info("simulation finished")

	overlaps, err := countOverlaps(ctx, pool)
	if err != nil {
		log.WithError(err).Fatal("verify overlaps")
	}
	if overlaps > 0 {
		log.WithField("overlaps", overlaps).Fatal("INVARIANT VIOLATED: overlapping active appointments found")
	}
	log.Info("invariant holds: no doctor is double-booked")
}

func worker(ctx context.Context, client *http.Client, baseURL string, dp *dataPool, c *counters, deadline time.Time) {
	for time.Now().Before(deadline) && ctx.Err() == nil {
		switch rand.Intn(10) {
		case 0, 1, 2, 3, 4: // half the traffic is new bookings
			doCreate(ctx, client, baseURL, dp, c)
		case 5, 6:
			doConfirm(ctx, client, baseURL, dp, c)
		case 7, 8:
			doReschedule(ctx, client, baseURL, dp, c)
		default:
			doCancel(ctx, client, baseURL, dp, c)
		}
	}
}

// randomSlotStart picks a grid slot a few days out. The narrow range is
// deliberate: it concentrates traffic on few slots to provoke conflicts.
func randomSlotStart() time.Time {
	day := time.Now().UTC().AddDate(0, 0, 2+rand.Intn(3))
	return time.Date(day.Year(), day.Month(), day.Day(), 9, 0, 0, 0, time.UTC).
		Add(time.Duration(rand.Intn(16)) * 30 * time.Minute)
}

func doCreate(ctx context.Context, client *http.Client, baseURL string, dp *dataPool, c *counters) {
	body := map[string]any{
		"doctor_id":  dp.doctors[rand.Intn(len(dp.doctors))],
		"patient_id": dp.patients[rand.Intn(len(dp.patients))],
		"start":      randomSlotStart().Format(time.RFC3339),
		"purpose":    "simulated checkup",
	}

	status, respBody := post(ctx, client, baseURL+"/appointments", "", body, c)
	switch status {
	case http.StatusCreated:
		c.created.Add(1)
		var resp struct {
			ID uuid.UUID `json:"id"`
		}
		if err := json.Unmarshal(respBody, &resp); err == nil && resp.ID != uuid.Nil {
			dp.addAppointment(resp.ID)
		}
	case http.StatusConflict:
		c.conflicts.Add(1)
	case 0:
		// transport error already counted
	default:
		c.rejections.Add(1)
	}
}

func doConfirm(ctx context.Context, client *http.Client, baseURL string, dp *dataPool, c *counters) {
	id, ok := dp.randomAppointment()
	if !ok {
		return
	}
	// Confirm as an admin so role lookups always resolve.
	status, _ := post(ctx, client, fmt.Sprintf("%s/appointments/%s/confirm", baseURL, id), "admin-1", nil, c)
	switch status {
	case http.StatusOK:
		c.confirmed.Add(1)
	case http.StatusConflict:
		c.conflicts.Add(1)
	case 0:
	default:
		c.rejections.Add(1)
	}
}

func doCancel(ctx context.Context, client *http.Client, baseURL string, dp *dataPool, c *counters) {
	id, ok := dp.randomAppointment()
	if !ok {
		return
	}
	body := map[string]any{"reason": "simulated cancellation"}
	status, _ := post(ctx, client, fmt.Sprintf("%s/appointments/%s/cancel", baseURL, id), "admin-1", body, c)
	switch status {
	case http.StatusOK:
		c.cancelled.Add(1)
	case http.StatusConflict:
		c.conflicts.Add(1)
	case 0:
	default:
		c.rejections.Add(1)
	}
}

func doReschedule(ctx context.Context, client *http.Client, baseURL string, dp *dataPool, c *counters) {
	id, ok := dp.randomAppointment()
	if !ok {
		return
	}
	body := map[string]any{
		"new_start": randomSlotStart().Format(time.RFC3339),
		"reason":    "simulated reschedule",
	}
	status, _ := post(ctx, client, fmt.Sprintf("%s/appointments/%s/reschedule", baseURL, id), "admin-1", body, c)
	switch status {
	case http.StatusOK:
		c.rescheduled.Add(1)
	case http.StatusConflict:
		c.conflicts.Add(1)
	case 0:
	default:
		c.rejections.Add(1)
	}
}

func post(ctx context.Context, client *http.Client, url, actorID string, body any, c *counters) (int, []byte) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			c.errors.Add(1)
			return 0, nil
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, reader)
	if err != nil {
		c.errors.Add(1)
		return 0, nil
	}
	req.Header.Set("Content-Type", "application/json")
	if actorID != "" {
		req.Header.Set("X-Actor-ID", actorID)
	}

	resp, err := client.Do(req)
	if err != nil {
		c.errors.Add(1)
		return 0, nil
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 500 {
		c.errors.Add(1)
	}
	return resp.StatusCode, respBody
}

func loadUserIDs(ctx context.Context, pool *pgxpool.Pool, role string, limit int) ([]string, error) {
	rows, err := pool.Query(ctx, `
		SELECT user_id FROM user_roles WHERE role = $1 LIMIT $2
	`, role, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func countOverlaps(ctx context.Context, pool *pgxpool.Pool) (int, error) {
	var n int
	err := pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM appointments a
		JOIN appointments b
		  ON a.doctor_id = b.doctor_id
		 AND a.id < b.id
		 AND a.start_time < b.end_time
		 AND b.start_time < a.end_time
		WHERE a.status <> 'cancelled'
		  AND b.status <> 'cancelled'
	`).Scan(&n)
	return n, err
}

func loadSimConfig() simConfig {
	cfg := simConfig{
		APIBaseURL:  getEnv("SIM_API_URL", "http://127.0.0.1:8080"),
		PostgresDSN: os.Getenv("POSTGRES_DSN"),
		Duration:    30 * time.Second,
		Workers:     20,
		DoctorLimit: 5,
	}

	if cfg.PostgresDSN == "" {
		logrus.Fatal("POSTGRES_DSN is required")
	}
	if v := os.Getenv("SIM_DURATION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Duration = d
		}
	}
	if v := os.Getenv("SIM_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Workers = n
		}
	}
	if v := os.Getenv("SIM_DOCTORS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.DoctorLimit = n
		}
	}

	return cfg
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
