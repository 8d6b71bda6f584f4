package tokencache

import "time"

// DefaultSkew is subtracted from a record's lifetime so that a token does not
// expire while a request carrying it is in flight.
const DefaultSkew = 30 * time.Second

// Record is the cached and persisted credential set.
//
// A record is either fully absent (zero value) or fully populated.
type Record struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// IsZero reports whether the record holds no access token.
func (r Record) IsZero() bool {
	return r.AccessToken == ""
}

// IsExpired reports whether the access token must no longer be trusted at now,
// given a safety margin of skew. A token expiring exactly at now+skew is expired.
func (r Record) IsExpired(now time.Time, skew time.Duration) bool {
	return !r.ExpiresAt.After(now.Add(skew))
}
