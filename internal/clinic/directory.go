// Package clinic keeps the doctor and patient profiles the lifecycle services
// need for token prefixes, default consultation lengths and link delivery.
package clinic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when no profile is stored under an id.
var ErrNotFound = errors.New("clinic: profile not found")

// Doctor is the scheduling-relevant slice of a doctor's profile.
type Doctor struct {
	ID                  uuid.UUID `json:"id"`
	Name                string    `json:"name"`
	Email               string    `json:"email,omitempty"`
	Specialty           string    `json:"specialty,omitempty"`
	ConsultationMinutes int       `json:"consultation_minutes,omitempty"`
}

// TokenHint is what the token issuer derives its prefix from.
func (d Doctor) TokenHint() string {
	if strings.TrimSpace(d.Specialty) != "" {
		return d.Specialty
	}
	return d.Name
}

type Patient struct {
	ID    uuid.UUID `json:"id"`
	Name  string    `json:"name"`
	Email string    `json:"email,omitempty"`
	Phone string    `json:"phone,omitempty"`
}

// Store provides persistence for profiles as JSON documents in Redis.
type Store struct {
	redis *redis.Client
}

func NewStore(redisClient *redis.Client) *Store {
	return &Store{redis: redisClient}
}

func doctorKey(id uuid.UUID) string  { return fmt.Sprintf("clinic:doctor:%s", id) }
func patientKey(id uuid.UUID) string { return fmt.Sprintf("clinic:patient:%s", id) }

func (s *Store) Doctor(ctx context.Context, id uuid.UUID) (Doctor, error) {
	var d Doctor
	if err := s.get(ctx, doctorKey(id), &d); err != nil {
		return Doctor{}, fmt.Errorf("clinic: get doctor %s: %w", id, err)
	}
	return d, nil
}

func (s *Store) SaveDoctor(ctx context.Context, d Doctor) error {
	if d.ID == uuid.Nil {
		return fmt.Errorf("clinic: doctor id required")
	}
	if err := s.set(ctx, doctorKey(d.ID), d); err != nil {
		return fmt.Errorf("clinic: save doctor: %w", err)
	}
	return nil
}

func (s *Store) Patient(ctx context.Context, id uuid.UUID) (Patient, error) {
	var p Patient
	if err := s.get(ctx, patientKey(id), &p); err != nil {
		return Patient{}, fmt.Errorf("clinic: get patient %s: %w", id, err)
	}
	return p, nil
}

func (s *Store) SavePatient(ctx context.Context, p Patient) error {
	if p.ID == uuid.Nil {
		return fmt.Errorf("clinic: patient id required")
	}
	if err := s.set(ctx, patientKey(p.ID), p); err != nil {
		return fmt.Errorf("clinic: save patient: %w", err)
	}
	return nil
}

// DefaultConsultationMinutes reports the doctor's configured slot length.
// Lookup failures fall through to the caller's default.
func (s *Store) DefaultConsultationMinutes(ctx context.Context, doctorID uuid.UUID) (int, bool) {
	d, err := s.Doctor(ctx, doctorID)
	if err != nil || d.ConsultationMinutes <= 0 {
		return 0, false
	}
	return d.ConsultationMinutes, true
}

func (s *Store) get(ctx context.Context, key string, v any) error {
	data, err := s.redis.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (s *Store) set(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.redis.Set(ctx, key, data, 0).Err()
}
