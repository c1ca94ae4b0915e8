// Package attendance issues QR attendance codes and redeems them into
// attendance records, at most one per student, course and class.
package attendance

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"unisync/internal/apperr"
	"unisync/internal/docstore"
	"unisync/internal/logging"
	"unisync/internal/metrics"
)

// Status of an attendance record.
type Status string

const (
	StatusPresent Status = "PRESENT"
	StatusAbsent  Status = "ABSENT"
	StatusLate    Status = "LATE"
)

var (
	ErrMalformedToken = apperr.New(apperr.Validation, "Invalid QR code format")
	ErrTokenNotFound  = apperr.New(apperr.NotFound, "Invalid QR code")
	ErrTokenExpired   = apperr.New(apperr.Validation, "QR code has expired")
	ErrAlreadyMarked  = apperr.New(apperr.Conflict, "Attendance already marked for this class")
)

// recordNamespace seeds the deterministic record ids.
var recordNamespace = uuid.MustParse("6f1c2a53-8d0e-4b7a-9c41-2e5d7f93a0b8")

// Millis is an epoch-millisecond timestamp that clients may send either as
// a JSON number or as a numeric string.
type Millis int64

func (m *Millis) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*m = 0
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		b = []byte(strings.TrimSpace(s))
		if len(b) == 0 {
			*m = 0
			return nil
		}
	}
	v, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(string(b), 64)
		if ferr != nil || f != math.Trunc(f) {
			return errors.New("timestamp must be integer epoch milliseconds")
		}
		v = int64(f)
	}
	*m = Millis(v)
	return nil
}

// Token is a generated QR code.
type Token struct {
	ID         string `json:"id"`
	CourseID   string `json:"courseId"`
	LecturerID string `json:"lecturerId"`
	ClassDate  int64  `json:"classDate"`
	QRData     string `json:"qrData"`
	ExpiresAt  int64  `json:"expiresAt"`
	IsActive   bool   `json:"isActive"`
	CreatedAt  int64  `json:"createdAt"`
	IsSynced   bool   `json:"isSynced"`
}

// Record is one student's attendance for one class.
type Record struct {
	ID         string   `json:"id"`
	StudentID  string   `json:"studentId"`
	LecturerID string   `json:"lecturerId"`
	CourseID   string   `json:"courseId"`
	ClassDate  int64    `json:"classDate"`
	Status     Status   `json:"status"`
	MarkedAt   int64    `json:"markedAt"`
	Latitude   *float64 `json:"latitude"`
	Longitude  *float64 `json:"longitude"`
	IsSynced   bool     `json:"isSynced"`
	// ClientID is the id an offline client gave the record, if any.
	ClientID string `json:"clientId,omitempty"`
}

// KeyFields identify the class a record belongs to; they never change after
// the record is written.
var KeyFields = []string{"id", "studentId", "courseId", "classDate", "clientId"}

// maxDurationMinutes caps a requested code lifetime at one week.
const maxDurationMinutes = 7 * 24 * 60

// Stats summarises a student's attendance in a course.
type Stats struct {
	TotalClasses         int     `json:"totalClasses"`
	PresentCount         int     `json:"presentCount"`
	AbsentCount          int     `json:"absentCount"`
	LateCount            int     `json:"lateCount"`
	AttendancePercentage float64 `json:"attendancePercentage"`
}

// GenerateInput is the body of a generate request.
type GenerateInput struct {
	CourseID        string `json:"courseId"`
	LecturerID      string `json:"lecturerId"`
	ClassDate       Millis `json:"classDate"`
	DurationMinutes int    `json:"durationMinutes"`
}

// RedeemInput is the body of a scan request.
type RedeemInput struct {
	QRData    string   `json:"qrData"`
	StudentID string   `json:"studentId"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

// MarkInput records attendance by hand.
type MarkInput struct {
	StudentID string `json:"studentId"`
	CourseID  string `json:"courseId"`
	ClassDate Millis `json:"classDate"`
	Status    string `json:"status"`
}

// ImportInput is a record created on a client while offline.
type ImportInput struct {
	StudentID  string   `json:"studentId"`
	LecturerID string   `json:"lecturerId"`
	CourseID   string   `json:"courseId"`
	ClassDate  Millis   `json:"classDate"`
	Status     string   `json:"status"`
	MarkedAt   Millis   `json:"markedAt"`
	Latitude   *float64 `json:"latitude"`
	Longitude  *float64 `json:"longitude"`
}

// Filter narrows List.
type Filter struct {
	StudentID string
	CourseID  string
	Limit     int
}

// Service coordinates token issue and redemption.
type Service struct {
	repo   *Repository
	window time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLogger sets the fallback logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates a service backed by a repository. window is the default
// validity of a code after its class starts.
func NewService(repo *Repository, window time.Duration, opts ...Option) *Service {
	if window <= 0 {
		window = 15 * time.Minute
	}
	s := &Service{repo: repo, window: window, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Generate issues a new code. lecturerID defaults to callerID. Several codes
// may exist for the same class.
func (s *Service) Generate(ctx context.Context, in GenerateInput, callerID string) (Token, error) {
	in.CourseID = strings.TrimSpace(in.CourseID)
	if in.CourseID == "" || in.ClassDate <= 0 {
		return Token{}, apperr.New(apperr.Validation, "courseId and classDate are required")
	}
	lecturerID := strings.TrimSpace(in.LecturerID)
	if lecturerID == "" {
		lecturerID = callerID
	}
	if strings.Contains(in.CourseID, legacyDelimiter) || strings.Contains(lecturerID, legacyDelimiter) {
		return Token{}, apperr.New(apperr.Validation, `courseId and lecturerId must not contain "_"`)
	}
	if in.DurationMinutes > maxDurationMinutes {
		return Token{}, apperr.New(apperr.Validation, "durationMinutes must be at most 10080")
	}
	window := s.window
	if in.DurationMinutes > 0 {
		window = time.Duration(in.DurationMinutes) * time.Minute
	}

	classDate := int64(in.ClassDate)
	tok := Token{
		ID:         uuid.NewString(),
		CourseID:   in.CourseID,
		LecturerID: lecturerID,
		ClassDate:  classDate,
		ExpiresAt:  classDate + window.Milliseconds(),
		IsActive:   true,
		CreatedAt:  s.now().UnixMilli(),
		IsSynced:   true,
	}
	tok.QRData = EncodePayload(Payload{
		CourseID:   tok.CourseID,
		LecturerID: tok.LecturerID,
		ClassDate:  tok.ClassDate,
		TokenID:    tok.ID,
	})
	if err := s.repo.SaveToken(ctx, tok); err != nil {
		return Token{}, err
	}
	metrics.AttendanceTokensIssued.Inc()
	logging.FromContext(ctx, s.logger).InfoContext(ctx, "qr code generated",
		"token_id", tok.ID, "course_id", tok.CourseID, "expires_at", tok.ExpiresAt)
	return tok, nil
}

// Redeem marks the student present for the class bound to the scanned code.
func (s *Service) Redeem(ctx context.Context, in RedeemInput) (Record, error) {
	rec, err := s.redeem(ctx, in)
	metrics.AttendanceRedemptions.WithLabelValues(redeemOutcome(err)).Inc()
	return rec, err
}

func (s *Service) redeem(ctx context.Context, in RedeemInput) (Record, error) {
	in.StudentID = strings.TrimSpace(in.StudentID)
	if strings.TrimSpace(in.QRData) == "" || in.StudentID == "" {
		return Record{}, apperr.New(apperr.Validation, "qrData and studentId are required")
	}
	p, err := DecodePayload(in.QRData)
	if err != nil {
		return Record{}, err
	}

	tok, err := s.repo.GetToken(ctx, p.TokenID)
	if err != nil {
		return Record{}, err
	}
	if tok == nil {
		return Record{}, ErrTokenNotFound
	}
	if tok.CourseID != p.CourseID || tok.ClassDate != p.ClassDate {
		return Record{}, ErrMalformedToken
	}
	now := s.now().UnixMilli()
	if !tok.IsActive || tok.ExpiresAt < now {
		return Record{}, ErrTokenExpired
	}

	rec := Record{
		ID:         RecordID(in.StudentID, tok.CourseID, tok.ClassDate),
		StudentID:  in.StudentID,
		LecturerID: tok.LecturerID,
		CourseID:   tok.CourseID,
		ClassDate:  tok.ClassDate,
		Status:     StatusPresent,
		MarkedAt:   now,
		Latitude:   in.Latitude,
		Longitude:  in.Longitude,
		IsSynced:   true,
	}
	if err := s.insert(ctx, rec); err != nil {
		return Record{}, err
	}
	logging.FromContext(ctx, s.logger).InfoContext(ctx, "attendance marked",
		"student_id", rec.StudentID, "course_id", rec.CourseID, "class_date", rec.ClassDate, "token_id", tok.ID)
	return rec, nil
}

// Mark records attendance for a student without a code, as a lecturer does
// for absences and late arrivals.
func (s *Service) Mark(ctx context.Context, in MarkInput, lecturerID string) (Record, error) {
	in.StudentID = strings.TrimSpace(in.StudentID)
	in.CourseID = strings.TrimSpace(in.CourseID)
	status := Status(strings.ToUpper(strings.TrimSpace(in.Status)))
	if in.StudentID == "" || in.CourseID == "" || in.ClassDate <= 0 || status == "" {
		return Record{}, apperr.New(apperr.Validation, "studentId, courseId, classDate, and status are required")
	}
	if !validStatus(status) {
		return Record{}, apperr.New(apperr.Validation, "status must be PRESENT, ABSENT or LATE")
	}
	rec := Record{
		ID:         RecordID(in.StudentID, in.CourseID, int64(in.ClassDate)),
		StudentID:  in.StudentID,
		LecturerID: lecturerID,
		CourseID:   in.CourseID,
		ClassDate:  int64(in.ClassDate),
		Status:     status,
		MarkedAt:   s.now().UnixMilli(),
		IsSynced:   true,
	}
	if err := s.insert(ctx, rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Import stores a record created offline under its triple's id, so it
// collides with a scan or mark of the same class. Replaying the same client
// record is a no-op. Status defaults to PRESENT and markedAt to now.
func (s *Service) Import(ctx context.Context, clientID string, data map[string]any) (Record, error) {
	var in ImportInput
	if err := docstore.Decode(data, &in); err != nil {
		return Record{}, apperr.Wrap(apperr.Validation, "invalid attendance record", err)
	}
	in.StudentID = strings.TrimSpace(in.StudentID)
	in.CourseID = strings.TrimSpace(in.CourseID)
	if in.StudentID == "" || in.CourseID == "" || in.ClassDate <= 0 {
		return Record{}, apperr.New(apperr.Validation, "studentId, courseId, and classDate are required")
	}
	status := StatusPresent
	if st := strings.TrimSpace(in.Status); st != "" {
		status = Status(strings.ToUpper(st))
	}
	if !validStatus(status) {
		return Record{}, apperr.New(apperr.Validation, "status must be PRESENT, ABSENT or LATE")
	}
	markedAt := int64(in.MarkedAt)
	if markedAt <= 0 {
		markedAt = s.now().UnixMilli()
	}
	rec := Record{
		ID:         RecordID(in.StudentID, in.CourseID, int64(in.ClassDate)),
		StudentID:  in.StudentID,
		LecturerID: strings.TrimSpace(in.LecturerID),
		CourseID:   in.CourseID,
		ClassDate:  int64(in.ClassDate),
		Status:     status,
		MarkedAt:   markedAt,
		Latitude:   in.Latitude,
		Longitude:  in.Longitude,
		IsSynced:   true,
		ClientID:   clientID,
	}

	existing, err := s.repo.FindRecord(ctx, rec.StudentID, rec.CourseID, rec.ClassDate)
	if err != nil {
		return Record{}, err
	}
	if existing != nil {
		if clientID != "" && existing.ClientID == clientID {
			return *existing, nil
		}
		return Record{}, ErrAlreadyMarked
	}
	if err := s.insert(ctx, rec); err != nil {
		return Record{}, err
	}
	logging.FromContext(ctx, s.logger).InfoContext(ctx, "offline attendance imported",
		"student_id", rec.StudentID, "course_id", rec.CourseID, "class_date", rec.ClassDate, "client_id", clientID)
	return rec, nil
}

// ResolveRecordID maps an id a client knows a record by to its stored id.
// Ids that match nothing are returned unchanged.
func (s *Service) ResolveRecordID(ctx context.Context, id string) (string, error) {
	return s.repo.ResolveRecordID(ctx, id)
}

func validStatus(st Status) bool {
	switch st {
	case StatusPresent, StatusAbsent, StatusLate:
		return true
	}
	return false
}

// insert checks for an existing record and then writes rec conditionally,
// so a concurrent writer that passes the check still loses at the store.
func (s *Service) insert(ctx context.Context, rec Record) error {
	existing, err := s.repo.FindRecord(ctx, rec.StudentID, rec.CourseID, rec.ClassDate)
	if err != nil {
		return err
	}
	if existing != nil {
		return ErrAlreadyMarked
	}
	if err := s.repo.InsertRecord(ctx, rec); err != nil {
		if errors.Is(err, docstore.ErrExists) {
			return ErrAlreadyMarked
		}
		return err
	}
	return nil
}

// List returns records newest first.
func (s *Service) List(ctx context.Context, f Filter) ([]Record, error) {
	return s.repo.ListRecords(ctx, f)
}

// Stats counts a student's records in a course. The percentage is of
// PRESENT records, rounded to two decimals.
func (s *Service) Stats(ctx context.Context, studentID, courseID string) (Stats, error) {
	if studentID == "" || courseID == "" {
		return Stats{}, apperr.New(apperr.Validation, "studentId and courseId are required")
	}
	records, err := s.repo.ListRecords(ctx, Filter{StudentID: studentID, CourseID: courseID})
	if err != nil {
		return Stats{}, err
	}
	var st Stats
	st.TotalClasses = len(records)
	for _, r := range records {
		switch r.Status {
		case StatusPresent:
			st.PresentCount++
		case StatusAbsent:
			st.AbsentCount++
		case StatusLate:
			st.LateCount++
		}
	}
	if st.TotalClasses > 0 {
		pct := float64(st.PresentCount) / float64(st.TotalClasses) * 100
		st.AttendancePercentage = math.Round(pct*100) / 100
	}
	return st, nil
}

// RecordID is the id every record for the triple is stored under.
func RecordID(studentID, courseID string, classDate int64) string {
	name, _ := json.Marshal([]any{studentID, courseID, classDate})
	return uuid.NewSHA1(recordNamespace, name).String()
}

func redeemOutcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrMalformedToken):
		return "malformed"
	case errors.Is(err, ErrTokenNotFound):
		return "not_found"
	case errors.Is(err, ErrTokenExpired):
		return "expired"
	case errors.Is(err, ErrAlreadyMarked):
		return "duplicate"
	case apperr.KindOf(err) == apperr.Validation:
		return "invalid"
	}
	return "error"
}
