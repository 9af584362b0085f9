package dossier

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/collectivites/gsl/internal/database"
	"github.com/collectivites/gsl/internal/domain"
)

const dossierColumns = `number, project_id, status, filed_at, entered_instruction_at, decided_at,
	requested_instruments, annotations, synced_at`

// Repository handles case snapshot database operations
type Repository struct {
	q   database.Querier
	log zerolog.Logger
}

// NewRepository creates a new dossier repository
func NewRepository(q database.Querier, log zerolog.Logger) *Repository {
	return &Repository{
		q:   q,
		log: log.With().Str("repo", "dossier").Logger(),
	}
}

// WithTx returns a copy of the repository bound to tx.
func (r *Repository) WithTx(tx *sql.Tx) *Repository {
	c := *r
	c.q = tx
	return &c
}

// Upsert stores the snapshot, replacing the previous one for the same case.
func (r *Repository) Upsert(ctx context.Context, d *Dossier) error {
	blob, err := encodeAnnotations(d.Annotations)
	if err != nil {
		return err
	}
	_, err = r.q.ExecContext(ctx, `
		INSERT INTO dossiers (`+dossierColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(number) DO UPDATE SET
			project_id = excluded.project_id,
			status = excluded.status,
			filed_at = excluded.filed_at,
			entered_instruction_at = excluded.entered_instruction_at,
			decided_at = excluded.decided_at,
			requested_instruments = excluded.requested_instruments,
			annotations = excluded.annotations,
			synced_at = excluded.synced_at
	`, d.Number, d.ProjectID, string(d.Status),
		database.NullNanos(d.FiledAt), database.NullNanos(d.EnteredInstructionAt), database.NullNanos(d.DecidedAt),
		joinInstruments(d.RequestedInstruments), blob, database.ToNanos(d.SyncedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert dossier %d: %w", d.Number, err)
	}
	return nil
}

// Get returns the snapshot of a case.
func (r *Repository) Get(ctx context.Context, number int64) (*Dossier, error) {
	return r.getWhere(ctx, "number = ?", number)
}

// GetByProject returns the snapshot of the project's case.
func (r *Repository) GetByProject(ctx context.Context, projectID string) (*Dossier, error) {
	return r.getWhere(ctx, "project_id = ?", projectID)
}

func (r *Repository) getWhere(ctx context.Context, where string, arg interface{}) (*Dossier, error) {
	row := r.q.QueryRowContext(ctx, "SELECT "+dossierColumns+" FROM dossiers WHERE "+where, arg)

	var (
		d                             Dossier
		status, requested             string
		filedAt, enteredAt, decidedAt sql.NullInt64
		blob                          []byte
		syncedAt                      int64
	)
	err := row.Scan(&d.Number, &d.ProjectID, &status, &filedAt, &enteredAt, &decidedAt, &requested, &blob, &syncedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("dossier %v: %w", arg, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dossier %v: %w", arg, err)
	}

	d.Status = domain.CaseStatus(status)
	d.FiledAt = database.TimePtr(filedAt)
	d.EnteredInstructionAt = database.TimePtr(enteredAt)
	d.DecidedAt = database.TimePtr(decidedAt)
	d.SyncedAt = database.FromNanos(syncedAt)
	d.RequestedInstruments = splitInstruments(requested)
	if d.Annotations, err = decodeAnnotations(blob); err != nil {
		return nil, fmt.Errorf("dossier %d: %w", d.Number, err)
	}
	return &d, nil
}

// annotationsBlob is the msgpack form of Annotations. Amounts are kept as
// decimal strings so no precision is lost.
type annotationsBlob struct {
	Accepted []string               `msgpack:"accepted"`
	Amounts  map[string]amountsBlob `msgpack:"amounts"`
}

type amountsBlob struct {
	Assiette string `msgpack:"assiette,omitempty"`
	Awarded  string `msgpack:"awarded,omitempty"`
}

func encodeAnnotations(a Annotations) ([]byte, error) {
	blob := annotationsBlob{Amounts: make(map[string]amountsBlob, len(a.Amounts))}
	for _, inst := range a.AcceptedInstruments {
		blob.Accepted = append(blob.Accepted, string(inst))
	}
	for inst, ann := range a.Amounts {
		var ab amountsBlob
		if ann.Assiette.Valid {
			ab.Assiette = ann.Assiette.Decimal.String()
		}
		if ann.Awarded.Valid {
			ab.Awarded = ann.Awarded.Decimal.String()
		}
		blob.Amounts[string(inst)] = ab
	}
	data, err := msgpack.Marshal(&blob)
	if err != nil {
		return nil, fmt.Errorf("failed to encode annotations: %w", err)
	}
	return data, nil
}

func decodeAnnotations(data []byte) (Annotations, error) {
	var a Annotations
	if len(data) == 0 {
		return a, nil
	}
	var blob annotationsBlob
	if err := msgpack.Unmarshal(data, &blob); err != nil {
		return a, fmt.Errorf("failed to decode annotations: %w", err)
	}
	for _, s := range blob.Accepted {
		a.AcceptedInstruments = append(a.AcceptedInstruments, domain.Instrument(s))
	}
	for inst, ab := range blob.Amounts {
		var ann InstrumentAnnotation
		var err error
		if ann.Assiette, err = parseNullDecimal(ab.Assiette); err != nil {
			return a, err
		}
		if ann.Awarded, err = parseNullDecimal(ab.Awarded); err != nil {
			return a, err
		}
		a.Set(domain.Instrument(inst), ann)
	}
	return a, nil
}

func parseNullDecimal(s string) (decimal.NullDecimal, error) {
	if s == "" {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.NullDecimal{}, fmt.Errorf("invalid stored amount %q: %w", s, err)
	}
	return decimal.NewNullDecimal(d), nil
}

func joinInstruments(instruments []domain.Instrument) string {
	parts := make([]string, 0, len(instruments))
	for _, i := range instruments {
		parts = append(parts, string(i))
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

func splitInstruments(s string) []domain.Instrument {
	if s == "" {
		return nil
	}
	var out []domain.Instrument
	for _, part := range strings.Split(s, ",") {
		out = append(out, domain.Instrument(part))
	}
	return out
}
