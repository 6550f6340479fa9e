// Package passport issues immutable product passports.
package passport

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"forgeline/internal/domain"
	"forgeline/internal/events"
	"forgeline/internal/repo"
)

// Request is everything a passport records. CommitID makes issuing idempotent.
type Request struct {
	CommitID        string
	ProjectID       string
	ProductName     string
	ProductType     string
	Quantity        int
	CarbonFootprint float64
	TotalCost       float64
	Specifications  any
	ImageURL        string
	ActorID         string
}

// Issuer materializes a passport. Issuing twice with the same CommitID must
// return the same passport.
type Issuer interface {
	Generate(ctx context.Context, req Request) (domain.Passport, error)
}

// Store is the default Issuer, writing to the product_passports table.
type Store struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	BaseURL string
	Now     func() time.Time
}

var _ Issuer = Store{}

func NewStore(db *sql.DB, baseURL string) Store {
	return Store{DB: db, Repo: repo.Repo{DB: db}, Events: events.Writer{DB: db}, BaseURL: baseURL, Now: time.Now}
}

func (s Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// QRPayload is the string encoded into the passport QR code.
func QRPayload(baseURL, passportID string) string {
	return strings.TrimRight(baseURL, "/") + "/passports/" + passportID
}

func (s Store) Generate(ctx context.Context, req Request) (domain.Passport, error) {
	if req.CommitID == "" {
		return domain.Passport{}, domain.Invalid("commit_id", "is required")
	}
	if strings.TrimSpace(req.ProductName) == "" {
		return domain.Passport{}, domain.Invalid("product_name", "is required")
	}
	specs, err := json.Marshal(req.Specifications)
	if err != nil {
		return domain.Passport{}, fmt.Errorf("encode specifications: %w", err)
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Passport{}, err
	}
	defer tx.Rollback()
	if existing, err := s.Repo.GetPassportByCommitTx(ctx, tx, req.CommitID); err == nil {
		return existing, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Passport{}, err
	}
	id := uuid.New().String()
	p := domain.Passport{
		ID:                 id,
		ProjectID:          req.ProjectID,
		CommitID:           req.CommitID,
		ProductName:        strings.TrimSpace(req.ProductName),
		ProductType:        req.ProductType,
		Quantity:           req.Quantity,
		CarbonFootprint:    req.CarbonFootprint,
		TotalCost:          req.TotalCost,
		SpecificationsJSON: string(specs),
		ImageURL:           req.ImageURL,
		QRPayload:          QRPayload(s.BaseURL, id),
		IssuedAt:           s.now().UTC().Format(time.RFC3339),
	}
	if err := s.Repo.InsertPassport(ctx, tx, p); err != nil {
		return domain.Passport{}, fmt.Errorf("insert passport: %w", err)
	}
	w := s.Events
	if w.Now == nil {
		w.Now = s.Now
	}
	if err := w.Append(ctx, tx, events.PassportIssued, p.ProjectID, "passport", p.ID, req.ActorID, events.EventPayload{
		"commit_id":    p.CommitID,
		"product_name": p.ProductName,
		"quantity":     p.Quantity,
	}); err != nil {
		return domain.Passport{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Passport{}, err
	}
	return p, nil
}

// Latest returns the newest passport of a project.
func (s Store) Latest(ctx context.Context, projectID string) (domain.Passport, error) {
	p, err := s.Repo.LatestPassport(ctx, projectID)
	if errors.Is(err, repo.ErrNotFound) {
		return p, domain.ErrPassportNotFound
	}
	return p, err
}

func (s Store) Get(ctx context.Context, id string) (domain.Passport, error) {
	p, err := s.Repo.GetPassport(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return p, domain.ErrPassportNotFound
	}
	return p, err
}

func (s Store) List(ctx context.Context, projectID string) ([]domain.Passport, error) {
	return s.Repo.ListPassports(ctx, projectID)
}
