package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"elam/internal/audit"
	"elam/internal/config"
	"elam/internal/db"
	"elam/internal/engine/auth"
	"elam/internal/metrics"
	"elam/internal/repo"
)

// SystemActor is recorded for actions the service takes on its own, such as SLA escalation.
const SystemActor = "system"

var (
	ErrConflict          = errors.New("conflict")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrSelfApproval      = errors.New("self approval forbidden")
	ErrValidation        = errors.New("validation failed")
	ErrNoWorkflow        = errors.New("no workflow matches")
)

var validate = newValidator()

// newValidator reports fields by their json name so messages match the API.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Audit   audit.Writer
	Auth    auth.Service
	Config  *config.Config
	Now     func() time.Time
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

func New(conn *sql.DB, cfg *config.Config) Engine {
	e := Engine{
		DB:     conn,
		Repo:   repo.Repo{DB: conn},
		Auth:   auth.Service{DB: conn},
		Config: cfg,
		Now:    time.Now,
		Logger: zap.NewNop(),
	}
	e.Audit = audit.Writer{Now: e.now}
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) ts() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) log() *zap.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return zap.NewNop()
}

// begin opens a write transaction. A lock still held by another writer after the
// busy timeout surfaces as ErrConflict.
func (e Engine) begin(ctx context.Context) (*sql.Tx, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, busyConflict(err)
	}
	return tx, nil
}

func busyConflict(err error) error {
	if db.IsBusy(err) {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

func (e Engine) config() (*config.Config, error) {
	if e.Config == nil {
		return nil, errors.New("config not loaded")
	}
	return e.Config, nil
}

// audit writes an entry with the engine clock, independent of the Writer's own clock.
func (e Engine) audit(ctx context.Context, tx *sql.Tx, action, actorID, kind, id string, details audit.Details) error {
	w := e.Audit
	w.Now = e.now
	_, err := w.Append(ctx, tx, action, actorID, kind, id, audit.OutcomeSuccess, details)
	return err
}

// auditDenied records a refused attempt in its own transaction so it survives the caller's rollback.
func (e Engine) auditDenied(ctx context.Context, action, actorID, kind, id string, details audit.Details) {
	tx, err := e.begin(ctx)
	if err != nil {
		e.log().Warn("audit denied: begin tx", zap.Error(err))
		return
	}
	defer tx.Rollback()
	w := e.Audit
	w.Now = e.now
	if _, err := w.Append(ctx, tx, action, actorID, kind, id, audit.OutcomeDenied, details); err != nil {
		e.log().Warn("audit denied: append", zap.String("action", action), zap.Error(err))
		return
	}
	if err := tx.Commit(); err != nil {
		e.log().Warn("audit denied: commit", zap.Error(err))
	}
}

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// validateStruct runs struct tag validation and folds the result into ErrValidation.
func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Field()
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, field+" is required")
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of [%s]", field, fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", field, fe.Tag(), fe.Param()))
		}
	}
	return fmt.Errorf("%w: %s", ErrValidation, strings.Join(msgs, "; "))
}

// utcTimestamp rewrites an RFC3339 bound in the stored UTC form so string
// comparison in SQL orders it correctly.
func utcTimestamp(field, v string) (string, error) {
	if v == "" {
		return "", nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return "", validationError("%s must be RFC3339", field)
	}
	return t.UTC().Format(time.RFC3339), nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func stringValue(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
