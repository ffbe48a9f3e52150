package users

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/a-poor/userdb/storage"
	"github.com/a-poor/userdb/workpool"
)

const tracerName = "github.com/a-poor/userdb/users"

// Options configures a Store.
type Options struct {
	AccessMode AccessMode
	UpdateMode UpdateMode

	// Pool runs engine calls in AccessSerialized mode. It is
	// required for that mode and ignored otherwise. The Store
	// doesn't close it.
	Pool *workpool.Pool

	Logger  *zap.Logger
	Metrics *Metrics

	// NewID mints record ids. It defaults to random UUIDs.
	NewID func() (string, error)
}

// Store is the record access layer. It shares, but does not own,
// its engine.
type Store struct {
	access     access
	accessMode AccessMode
	updateMode UpdateMode
	logger     *zap.Logger
	metrics    *Metrics
	tracer     trace.Tracer
	newID      func() (string, error)
}

// NewStore builds a Store over engine.
func NewStore(engine Engine, opts Options) (*Store, error) {
	if engine == nil {
		return nil, errors.New("users: engine is required")
	}
	if opts.AccessMode == "" {
		opts.AccessMode = AccessSerialized
	}
	if opts.UpdateMode == "" {
		opts.UpdateMode = UpdateUpsert
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.NewID == nil {
		opts.NewID = storage.NewID
	}

	s := &Store{
		accessMode: opts.AccessMode,
		updateMode: opts.UpdateMode,
		logger:     opts.Logger.Named("users"),
		metrics:    opts.Metrics,
		tracer:     otel.Tracer(tracerName),
		newID:      opts.NewID,
	}

	switch opts.AccessMode {
	case AccessDirect:
		s.access = directAccess{engine: engine}
	case AccessSerialized:
		if opts.Pool == nil {
			return nil, errors.New("users: serialized access requires a worker pool")
		}
		s.access = &gatedAccess{engine: engine, pool: opts.Pool}
	default:
		return nil, errors.Errorf("users: unknown access mode %q", opts.AccessMode)
	}
	switch opts.UpdateMode {
	case UpdateUpsert, UpdateStrict:
	default:
		return nil, errors.Errorf("users: unknown update mode %q", opts.UpdateMode)
	}
	return s, nil
}

// AccessMode returns the mode the Store was built with.
func (s *Store) AccessMode() AccessMode {
	return s.accessMode
}

// UpdateMode returns the mode the Store was built with.
func (s *Store) UpdateMode() UpdateMode {
	return s.updateMode
}

// Create mints a new id and stores a record under it.
func (s *Store) Create(ctx context.Context, req CreateRequest) (u User, err error) {
	done := s.begin(ctx, "create")
	var id string
	defer func() { done(id, err) }()

	id, err = s.newID()
	if err != nil {
		return User{}, errors.Wrap(err, "users: mint id")
	}
	u = User{
		ID:    id,
		Name:  req.Name,
		Email: req.Email,
	}
	b, err := EncodeUser(u)
	if err != nil {
		return User{}, err
	}

	key := []byte(id)
	if err := s.access.run(key, func(e Engine) error {
		_, _, err := e.Insert(key, b)
		return err
	}); err != nil {
		return User{}, errors.WithStack(&EngineError{Op: "create", ID: id, Err: err})
	}
	return u, nil
}

// Read returns the record stored under id.
func (s *Store) Read(ctx context.Context, id string) (u User, err error) {
	done := s.begin(ctx, "read")
	defer func() { done(id, err) }()

	if !validID(id) {
		return User{}, ErrNotFound
	}

	key := []byte(id)
	var value []byte
	var ok bool
	if err := s.access.run(key, func(e Engine) error {
		var err error
		value, ok, err = e.Get(key)
		return err
	}); err != nil {
		return User{}, errors.WithStack(&EngineError{Op: "read", ID: id, Err: err})
	}
	if !ok {
		return User{}, ErrNotFound
	}

	u, err = DecodeUser(value)
	if err != nil {
		return User{}, errors.WithStack(&DecodeError{ID: id, Err: err})
	}
	if u.ID != id {
		return User{}, errors.WithStack(&DecodeError{
			ID:  id,
			Err: errors.Errorf("stored under %q but embeds id %q", id, u.ID),
		})
	}
	return u, nil
}

// Update replaces the name and email of the record under id. The
// id always comes from the caller's path, never from a body.
//
// In UpdateUpsert mode the write is unconditional and creates
// the record if it was absent. In UpdateStrict mode an absent id
// is reported as ErrNotFound and nothing is written.
//
// An id that isn't valid UTF-8 is ErrNotFound in both modes.
func (s *Store) Update(ctx context.Context, id string, req CreateRequest) (u User, err error) {
	done := s.begin(ctx, "update")
	defer func() { done(id, err) }()

	if !validID(id) {
		return User{}, ErrNotFound
	}

	u = User{
		ID:    id,
		Name:  req.Name,
		Email: req.Email,
	}
	b, err := EncodeUser(u)
	if err != nil {
		return User{}, err
	}

	key := []byte(id)
	written := true
	if err := s.access.run(key, func(e Engine) error {
		if s.updateMode == UpdateUpsert {
			_, _, err := e.Insert(key, b)
			return err
		}
		var err error
		written, err = insertIfPresent(e, key, b)
		return err
	}); err != nil {
		return User{}, errors.WithStack(&EngineError{Op: "update", ID: id, Err: err})
	}
	if !written {
		return User{}, ErrNotFound
	}
	return u, nil
}

// Delete removes the record under id. It returns ErrNotFound if
// there was nothing to remove.
func (s *Store) Delete(ctx context.Context, id string) (err error) {
	done := s.begin(ctx, "delete")
	defer func() { done(id, err) }()

	if !validID(id) {
		return ErrNotFound
	}

	key := []byte(id)
	var removed bool
	if err := s.access.run(key, func(e Engine) error {
		var err error
		_, removed, err = e.Remove(key)
		return err
	}); err != nil {
		return errors.WithStack(&EngineError{Op: "delete", ID: id, Err: err})
	}
	if !removed {
		return ErrNotFound
	}
	return nil
}

// validID reports whether id could name a stored record. Ids are
// embedded in JSON values, which only carry UTF-8, so no record
// can exist under an id that isn't valid UTF-8.
func validID(id string) bool {
	return id != "" && utf8.ValidString(id)
}

// insertIfPresent overwrites key only when it exists. Engines
// without an atomic conditional write get a read then a write;
// that is only atomic under the serialized gate.
func insertIfPresent(e Engine, key, value []byte) (bool, error) {
	if ci, ok := e.(ConditionalInserter); ok {
		return ci.InsertIfPresent(key, value)
	}
	_, ok, err := e.Get(key)
	if err != nil || !ok {
		return false, err
	}
	if _, _, err := e.Insert(key, value); err != nil {
		return false, err
	}
	return true, nil
}

// begin starts the span for an operation and returns a func that
// records its outcome in the span, the metrics, and the log.
func (s *Store) begin(ctx context.Context, op string) func(id string, err error) {
	start := time.Now()
	_, span := s.tracer.Start(ctx, "users."+op,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("userdb.access_mode", string(s.accessMode))),
	)
	return func(id string, err error) {
		defer span.End()
		elapsed := time.Since(start)
		kind := Kind(err)

		span.SetAttributes(
			attribute.String("user.id", id),
			attribute.String("userdb.outcome", kind),
		)
		s.metrics.observe(op, err, elapsed)

		fields := []zap.Field{
			zap.String("op", op),
			zap.String("id", id),
			zap.String("outcome", kind),
			zap.Duration("elapsed", elapsed),
		}
		switch kind {
		case "ok", "not_found":
			s.logger.Debug("user operation", fields...)
		case "decode_error":
			span.RecordError(err)
			span.SetStatus(codes.Error, "stored record is unreadable")
			s.logger.Error("stored user record is unreadable", append(fields, zap.Error(err))...)
		default:
			span.RecordError(err)
			span.SetStatus(codes.Error, "storage failure")
			s.logger.Error("user operation failed", append(fields, zap.Error(err))...)
		}
	}
}
