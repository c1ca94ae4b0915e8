package attendance

import (
	"encoding/base64"
	"encoding/json"
	"strconv"
	"strings"
)

const (
	payloadPrefix   = "usqr1."
	legacyDelimiter = "_"
)

// Payload is what a QR code carries.
type Payload struct {
	CourseID   string `json:"c"`
	LecturerID string `json:"l"`
	ClassDate  int64  `json:"d"`
	TokenID    string `json:"k"`
}

// EncodePayload renders p in the versioned format.
func EncodePayload(p Payload) string {
	raw, _ := json.Marshal(p)
	return payloadPrefix + base64.RawURLEncoding.EncodeToString(raw)
}

// DecodePayload recovers a payload from either the versioned format or the
// legacy course_lecturer_date_id form printed by older deployments.
func DecodePayload(s string) (Payload, error) {
	s = strings.TrimSpace(s)
	if rest, ok := strings.CutPrefix(s, payloadPrefix); ok {
		raw, err := base64.RawURLEncoding.DecodeString(rest)
		if err != nil {
			return Payload{}, ErrMalformedToken
		}
		var p Payload
		if err := json.Unmarshal(raw, &p); err != nil {
			return Payload{}, ErrMalformedToken
		}
		if p.CourseID == "" || p.TokenID == "" {
			return Payload{}, ErrMalformedToken
		}
		return p, nil
	}

	parts := strings.Split(s, legacyDelimiter)
	if len(parts) < 4 {
		return Payload{}, ErrMalformedToken
	}
	date, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil || parts[0] == "" || parts[3] == "" {
		return Payload{}, ErrMalformedToken
	}
	return Payload{
		CourseID:   parts[0],
		LecturerID: parts[1],
		ClassDate:  date,
		TokenID:    parts[3],
	}, nil
}
