package main

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/medisched/ehr-scheduling/internal/db"
)

//go:embed schema.sql
var schemaSQL string

var specialties = []string{
	"Dermatology",
	"Cardiology",
	"General Practice",
	"Orthopedics",
	"Endocrinology",
	"Neurology",
	"Pediatrics",
	"Psychiatry",
	"Ophthalmology",
	"ENT",
}

func main() {
	log := logrus.WithField("component", "seed")
	log.Info("seed starting")

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		log.Fatal("POSTGRES_DSN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, dsn)
	if err != nil {
		log.WithError(err).Fatal("connect postgres")
	}
	defer pool.Close()

	if _, err := pool.Exec(context.Background(), schemaSQL); err != nil {
		log.WithError(err).Fatal("apply schema")
	}
	log.Info("schema applied")

	gofakeit.Seed(time.Now().UnixNano())

	doctorIDs, err := seedDoctors(context.Background(), pool, 20)
	if err != nil {
		log.WithError(err).Fatal("seed doctors")
	}
	patientIDs, err := seedPatients(context.Background(), pool, 500)
	if err != nil {
		log.WithError(err).Fatal("seed patients")
	}
	if err := seedAdmin(context.Background(), pool); err != nil {
		log.WithError(err).Fatal("seed admin")
	}
	if err := seedAppointments(context.Background(), pool, doctorIDs, patientIDs, 400); err != nil {
		log.WithError(err).Fatal("seed appointments")
	}

	log.Info("seed complete")
}

func seedDoctors(ctx context.Context, pool *pgxpool.Pool, count int) ([]string, error) {
	log := logrus.WithField("component", "seed")
	log.WithField("count", count).Info("seeding doctors")

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	ids := make([]string, 0, count)
	for i := 0; i < count; i++ {
		id := uuid.NewString()
		name := "Dr. " + gofakeit.Name()
		email := gofakeit.Email()
		spec := specialties[gofakeit.Number(0, len(specialties)-1)]

		_, err := tx.Exec(ctx, `
			INSERT INTO users (id, name, email, specialty, created_at)
			VALUES ($1, $2, $3, $4, now())
		`, id, name, email, spec)
		if err != nil {
			return nil, err
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO user_roles (user_id, role) VALUES ($1, 'doctor')
		`, id)
		if err != nil {
			return nil, err
		}

		ids = append(ids, id)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	log.Info("doctors seeded")
	return ids, nil
}

func seedPatients(ctx context.Context, pool *pgxpool.Pool, count int) ([]string, error) {
	log := logrus.WithField("component", "seed")
	log.WithField("count", count).Info("seeding patients")

	const batchSize = 100

	ids := make([]string, 0, count)
	for offset := 0; offset < count; offset += batchSize {
		end := offset + batchSize
		if end > count {
			end = count
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return nil, err
		}

		for i := offset; i < end; i++ {
			id := uuid.NewString()
			name := gofakeit.Name()
			email := gofakeit.Email()

			_, err := tx.Exec(ctx, `
				INSERT INTO users (id, name, email, created_at)
				VALUES ($1, $2, $3, now())
			`, id, name, email)
			if err != nil {
				_ = tx.Rollback(ctx)
				return nil, err
			}

			_, err = tx.Exec(ctx, `
				INSERT INTO user_roles (user_id, role) VALUES ($1, 'patient')
			`, id)
			if err != nil {
				_ = tx.Rollback(ctx)
				return nil, err
			}

			ids = append(ids, id)
		}

		if err := tx.Commit(ctx); err != nil {
			return nil, err
		}

		log.WithField("seeded", end).Info("patients progress")
	}

	log.Info("patients seeded")
	return ids, nil
}

func seedAdmin(ctx context.Context, pool *pgxpool.Pool) error {
	id := "admin-1"

	_, err := pool.Exec(ctx, `
		INSERT INTO users (id, name, email, created_at)
		VALUES ($1, 'Clinic Admin', 'admin@clinic.local', now())
		ON CONFLICT (id) DO NOTHING
	`, id)
	if err != nil {
		return err
	}

	_, err = pool.Exec(ctx, `
		INSERT INTO user_roles (user_id, role) VALUES ($1, 'admin')
		ON CONFLICT DO NOTHING
	`, id)
	return err
}

// seedAppointments books random future grid slots, confirming roughly
// half of them. Overlaps within a batch are skipped rather than
// retried; the exact count is not important.
func seedAppointments(ctx context.Context, pool *pgxpool.Pool, doctorIDs, patientIDs []string, count int) error {
	log := logrus.WithField("component", "seed")
	log.WithField("count", count).Info("seeding appointments")

	booked := make(map[string]bool)
	inserted := 0

	for i := 0; i < count*2 && inserted < count; i++ {
		doctorID := doctorIDs[gofakeit.Number(0, len(doctorIDs)-1)]
		patientID := patientIDs[gofakeit.Number(0, len(patientIDs)-1)]

		day := time.Now().UTC().AddDate(0, 0, gofakeit.Number(2, 14))
		slotIdx := gofakeit.Number(0, 15) // 09:00-17:00 on a 30-minute grid
		start := time.Date(day.Year(), day.Month(), day.Day(), 9, 0, 0, 0, time.UTC).
			Add(time.Duration(slotIdx) * 30 * time.Minute)

		key := fmt.Sprintf("%s:%d", doctorID, start.Unix())
		if booked[key] {
			continue
		}
		booked[key] = true

		status := "requested"
		if gofakeit.Bool() {
			status = "confirmed"
		}

		ref := fmt.Sprintf("APT-%s-%08d", start.Format("20060102"), gofakeit.Number(0, 99999999))

		_, err := pool.Exec(ctx, `
			INSERT INTO appointments
				(id, doctor_id, patient_id, start_time, end_time, purpose, reference, status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		`, uuid.New(), doctorID, patientID, start, start.Add(30*time.Minute),
			gofakeit.Sentence(4), ref, status)
		if err != nil {
			return err
		}
		inserted++
	}

	log.WithField("inserted", inserted).Info("appointments seeded")
	return nil
}
