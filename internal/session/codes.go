// SPDX-License-Identifier: MIT
package session

import (
	"time"

	"lumen/internal/protocol"
)

// codeTTL is how long an issued connect code stays valid.
const codeTTL = 30 * time.Minute

// IssuedCode is one outstanding connect code. Single-use: consumed is
// flipped under the registry lock exactly once.
type IssuedCode struct {
	Code      string    `json:"code"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`

	consumed bool
}

// IssueCode mints a fresh single-use connect code valid for 30 minutes.
func (r *Registry) IssueCode() (IssuedCode, error) {
	code, err := protocol.GenerateCode()
	if err != nil {
		return IssuedCode{}, err
	}

	now := time.Now()
	issued := &IssuedCode{
		Code:      code,
		IssuedAt:  now,
		ExpiresAt: now.Add(codeTTL),
	}

	r.mu.Lock()
	r.codes[protocol.NormalizeCode(code)] = issued
	r.mu.Unlock()

	return *issued, nil
}

// PurgeCodes drops expired and consumed codes and reports how many
// were removed. Consumed codes are kept until purge so a reuse attempt
// gets the more precise "already used" answer.
func (r *Registry) PurgeCodes() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	purged := 0
	for key, issued := range r.codes {
		if issued.consumed || now.After(issued.ExpiresAt) {
			delete(r.codes, key)
			purged++
		}
	}
	return purged
}

// OutstandingCodes counts unconsumed, unexpired codes.
func (r *Registry) OutstandingCodes() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	count := 0
	for _, issued := range r.codes {
		if !issued.consumed && now.Before(issued.ExpiresAt) {
			count++
		}
	}
	return count
}
