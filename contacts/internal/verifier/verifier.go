package verifier

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/rgonzalez-dev/smbc-demo-api-integration/contacts/internal/models"
	"github.com/rgonzalez-dev/smbc-demo-api-integration/shared/logx"
)

const (
	MsgInvalidFormat   = "SSN format is invalid. Expected format: XXX-XX-XXXX"
	MsgInvalidNames    = "First name and last name must not be empty"
	MsgInvalidFullName = "Full name must not be empty"
	MsgMatch           = "SSN matches the provided name"
	MsgNoMatch         = "SSN does not match the provided name"
	msgErrorPrefix     = "An error occurred during verification: "
)

var ssnPattern = regexp.MustCompile(`^\d{3}-\d{2}-\d{4}$`)

func ValidSSN(ssn string) bool {
	return ssnPattern.MatchString(ssn)
}

// Matcher decides whether an SSN belongs to a name. It is the slow part of a verification.
type Matcher interface {
	Match(ctx context.Context, ssn string, firstName string, lastName string) (bool, error)
}

// Service validates input before calling the Matcher and turns every failure into a
// terminal result. It never returns an error.
type Service struct {
	matcher Matcher
	logger  logx.Logger
	now     func() time.Time
}

func NewService(matcher Matcher, logger logx.Logger) *Service {
	return &Service{matcher: matcher, logger: logger, now: time.Now}
}

func (s *Service) VerifySSNMatch(ctx context.Context, ssn string, firstName string, lastName string) models.VerificationResult {
	name := firstName + " " + lastName
	if !ValidSSN(ssn) {
		s.logger.Warn(ctx, "verification_invalid_format", "invalid ssn format", slog.String("ssn", logx.MaskSSN(ssn)))
		return s.result(ssn, name, models.StatusInvalidFormat, MsgInvalidFormat)
	}
	if strings.TrimSpace(firstName) == "" || strings.TrimSpace(lastName) == "" {
		s.logger.Warn(ctx, "verification_invalid_name", "first or last name empty", slog.String("ssn", logx.MaskSSN(ssn)))
		return s.result(ssn, name, models.StatusInvalidName, MsgInvalidNames)
	}
	return s.match(ctx, ssn, name, firstName, lastName)
}

// VerifyFullName splits fullName on the first whitespace run; the rest is the last name.
func (s *Service) VerifyFullName(ctx context.Context, ssn string, fullName string) models.VerificationResult {
	if !ValidSSN(ssn) {
		s.logger.Warn(ctx, "verification_invalid_format", "invalid ssn format", slog.String("ssn", logx.MaskSSN(ssn)))
		return s.result(ssn, fullName, models.StatusInvalidFormat, MsgInvalidFormat)
	}
	if strings.TrimSpace(fullName) == "" {
		s.logger.Warn(ctx, "verification_invalid_name", "full name empty", slog.String("ssn", logx.MaskSSN(ssn)))
		return s.result(ssn, fullName, models.StatusInvalidName, MsgInvalidFullName)
	}
	firstName, lastName := SplitFullName(fullName)
	return s.match(ctx, ssn, fullName, firstName, lastName)
}

func SplitFullName(fullName string) (string, string) {
	trimmed := strings.TrimSpace(fullName)
	idx := strings.IndexFunc(trimmed, isSpace)
	if idx < 0 {
		return trimmed, ""
	}
	return trimmed[:idx], strings.TrimLeftFunc(trimmed[idx:], isSpace)
}

func isSpace(r rune) bool {
	switch r {
	case ' ', '\t', '\n', '\r', '\f', '\v':
		return true
	}
	return false
}

func (s *Service) match(ctx context.Context, ssn string, name string, firstName string, lastName string) (res models.VerificationResult) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error(ctx, "verification_failed", "matcher panicked",
				slog.String("ssn", logx.MaskSSN(ssn)),
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.Any("error", rec),
			)
			res = s.result(ssn, name, models.StatusError, fmt.Sprintf("%s%v", msgErrorPrefix, rec))
		}
	}()

	matching, err := s.matcher.Match(ctx, ssn, firstName, lastName)
	if err != nil {
		s.logger.Error(ctx, "verification_failed", "matcher failed",
			slog.String("ssn", logx.MaskSSN(ssn)),
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
		return s.result(ssn, name, models.StatusError, msgErrorPrefix+err.Error())
	}
	if matching {
		return s.result(ssn, name, models.StatusVerified, MsgMatch)
	}
	return s.result(ssn, name, models.StatusNotMatching, MsgNoMatch)
}

func (s *Service) result(ssn string, name string, status models.VerificationStatus, msg string) models.VerificationResult {
	return models.VerificationResult{
		SSN:                   ssn,
		Name:                  name,
		IsMatching:            status == models.StatusVerified,
		Status:                status,
		Message:               msg,
		VerificationTimestamp: s.now().UnixMilli(),
	}
}

// StubMatcher stands in for a real identity check: it takes Delay and matches any
// non-empty input.
type StubMatcher struct {
	Delay time.Duration
}

func (m StubMatcher) Match(ctx context.Context, ssn string, firstName string, lastName string) (bool, error) {
	if m.Delay > 0 {
		t := time.NewTimer(m.Delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	return ssn != "" && firstName != "" && lastName != "", nil
}
