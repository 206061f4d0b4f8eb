// Package artifacts holds the artifact domain model and the in-memory store.
// Artifacts are the only durable objects principals can create: documents,
// executable services, contracts, and loop markers all live here. Deletion is
// soft; deleted artifacts stay resident for audit but are invisible to
// normal reads and listings.
package artifacts

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// DefaultContractID is applied when a write names no access contract.
const DefaultContractID = "kernel_contract_freeware"

var (
	// ErrNotFound is returned when the artifact id is unknown.
	ErrNotFound = errors.New("artifact not found")
	// ErrDeleted is returned when the artifact was soft deleted.
	ErrDeleted = errors.New("artifact is deleted")
	// ErrOldStringMissing is returned by Edit when old does not occur.
	ErrOldStringMissing = errors.New("old string not found in content")
	// ErrOldStringAmbiguous is returned by Edit when old occurs more than once.
	ErrOldStringAmbiguous = errors.New("old string is not unique in content")
	// ErrNoChange is returned by Edit when the replacement changes nothing.
	ErrNoChange = errors.New("edit produced no change")
)

// Artifact is a single stored object. Code carries base64-encoded WebAssembly
// for executable artifacts; Content is free text.
type Artifact struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Content   string    `json:"content"`
	CreatedBy string    `json:"created_by"`
	Owner     string    `json:"owner"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Executable  bool   `json:"executable"`
	Code        string `json:"code,omitempty"`
	ReadPrice   int64  `json:"read_price"`
	InvokePrice int64  `json:"invoke_price"`

	AccessContractID string         `json:"access_contract_id"`
	Metadata         map[string]any `json:"metadata"`
	Interface        map[string]any `json:"interface,omitempty"`
	// AuthState records writer/principal identities consulted by contracts.
	AuthState map[string]any `json:"auth_state"`

	HasStanding  bool     `json:"has_standing"`
	HasLoop      bool     `json:"has_loop"`
	Capabilities []string `json:"capabilities"`
	DependsOn    []string `json:"depends_on"`

	Deleted   bool       `json:"deleted"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
	DeletedBy string     `json:"deleted_by,omitempty"`

	KernelProtected bool `json:"kernel_protected"`
}

// CodeBytes decodes the executable payload.
func (a *Artifact) CodeBytes() ([]byte, error) {
	if a.Code == "" {
		return nil, nil
	}
	raw, err := base64.StdEncoding.DecodeString(a.Code)
	if err != nil {
		return nil, fmt.Errorf("artifact %s: decode code: %w", a.ID, err)
	}
	return raw, nil
}

// SizeBytes is the disk footprint charged against the owner's quota.
func (a *Artifact) SizeBytes() int64 {
	return int64(len(a.Content)) + int64(len(a.Code))
}

// Summary renders the artifact for listings and queries. Code is included
// only on request because it dominates payload size.
func (a *Artifact) Summary(includeCode bool) map[string]any {
	out := map[string]any{
		"id":                 a.ID,
		"type":               a.Type,
		"content":            a.Content,
		"created_by":         a.CreatedBy,
		"owner":              a.Owner,
		"created_at":         a.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at":         a.UpdatedAt.UTC().Format(time.RFC3339Nano),
		"executable":         a.Executable,
		"read_price":         a.ReadPrice,
		"invoke_price":       a.InvokePrice,
		"access_contract_id": a.AccessContractID,
		"metadata":           a.Metadata,
		"interface":          a.Interface,
		"has_standing":       a.HasStanding,
		"has_loop":           a.HasLoop,
		"capabilities":       append([]string(nil), a.Capabilities...),
		"depends_on":         append([]string(nil), a.DependsOn...),
		"deleted":            a.Deleted,
		"kernel_protected":   a.KernelProtected,
	}
	if includeCode {
		out["code"] = a.Code
	}
	return out
}

// WriteRequest carries everything a write may set. Zero values mean "leave
// the field alone" on overwrite, with the exceptions noted per field.
type WriteRequest struct {
	ID        string
	Type      string
	Content   string
	CreatedBy string
	// Owner overrides the default owner (CreatedBy) when non-empty.
	Owner string

	Executable  bool
	Code        string
	ReadPrice   int64
	InvokePrice int64

	AccessContractID string
	Metadata         map[string]any
	Interface        map[string]any

	HasStanding  bool
	HasLoop      bool
	Capabilities []string
	DependsOn    []string

	KernelProtected bool
}

// Store is the in-memory artifact registry. Safe for concurrent use.
type Store struct {
	mu        sync.Mutex
	artifacts map[string]*Artifact
	now       func() time.Time
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		artifacts: make(map[string]*Artifact),
		now:       time.Now,
	}
}

// SetClock replaces the time source. Test hook.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Get returns the artifact or ErrNotFound. Deleted artifacts are returned;
// callers decide whether deletion matters for their operation.
func (s *Store) Get(id string) (*Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.artifacts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return a, nil
}

// GetLive returns the artifact only when it exists and is not deleted.
func (s *Store) GetLive(id string) (*Artifact, error) {
	a, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if a.Deleted {
		return nil, fmt.Errorf("%w: %s", ErrDeleted, id)
	}
	return a, nil
}

// Count returns the number of stored artifacts, deleted included.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.artifacts)
}

// ListAll returns summaries of every artifact, optionally including deleted
// ones. Code is never included in listings.
func (s *Store) ListAll(includeDeleted bool) []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]any, 0, len(s.artifacts))
	for _, a := range s.artifacts {
		if a.Deleted && !includeDeleted {
			continue
		}
		out = append(out, a.Summary(false))
	}
	return out
}

// Write creates or overwrites an artifact. Overwriting a deleted artifact
// fails; ids are never recycled. Ownership moves only when req.Owner is set.
func (s *Store) Write(req WriteRequest) (*Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	existing, ok := s.artifacts[req.ID]
	if !ok {
		owner := req.Owner
		if owner == "" {
			owner = req.CreatedBy
		}
		contractID := req.AccessContractID
		if contractID == "" {
			contractID = DefaultContractID
		}
		metadata := req.Metadata
		if metadata == nil {
			metadata = make(map[string]any)
		}
		a := &Artifact{
			ID:               req.ID,
			Type:             req.Type,
			Content:          req.Content,
			CreatedBy:        req.CreatedBy,
			Owner:            owner,
			CreatedAt:        now,
			UpdatedAt:        now,
			Executable:       req.Executable,
			Code:             req.Code,
			ReadPrice:        req.ReadPrice,
			InvokePrice:      req.InvokePrice,
			AccessContractID: contractID,
			Metadata:         metadata,
			Interface:        req.Interface,
			AuthState:        map[string]any{"writer": owner, "principal": owner},
			HasStanding:      req.HasStanding || req.HasLoop,
			HasLoop:          req.HasLoop,
			Capabilities:     append([]string(nil), req.Capabilities...),
			DependsOn:        append([]string(nil), req.DependsOn...),
			KernelProtected:  req.KernelProtected,
		}
		s.artifacts[req.ID] = a
		return a, nil
	}

	if existing.Deleted {
		return nil, fmt.Errorf("%w: %s", ErrDeleted, req.ID)
	}

	existing.Type = req.Type
	existing.Content = req.Content
	existing.UpdatedAt = now
	existing.Executable = req.Executable
	existing.Code = req.Code
	existing.ReadPrice = req.ReadPrice
	existing.InvokePrice = req.InvokePrice
	if req.Metadata != nil {
		existing.Metadata = req.Metadata
	}
	if req.Interface != nil {
		existing.Interface = req.Interface
	}
	// Standing and loops are sticky: a rewrite never revokes them.
	existing.HasStanding = existing.HasStanding || req.HasStanding || req.HasLoop
	existing.HasLoop = existing.HasLoop || req.HasLoop
	if req.Capabilities != nil {
		existing.Capabilities = append([]string(nil), req.Capabilities...)
	}
	if req.DependsOn != nil {
		existing.DependsOn = append([]string(nil), req.DependsOn...)
	}
	if req.AccessContractID != "" {
		existing.AccessContractID = req.AccessContractID
	}
	if req.Owner != "" {
		existing.Owner = req.Owner
		existing.AuthState["writer"] = req.Owner
		if _, ok := existing.AuthState["principal"]; !ok {
			existing.AuthState["principal"] = req.Owner
		}
	}
	return existing, nil
}

// Edit replaces exactly one occurrence of old with new in the content.
// The occurrence must be unique so concurrent editors cannot silently
// clobber unrelated text.
func (s *Store) Edit(id, old, new string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.artifacts[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if a.Deleted {
		return fmt.Errorf("%w: %s", ErrDeleted, id)
	}
	if old == "" {
		return ErrOldStringMissing
	}
	switch hits := strings.Count(a.Content, old); {
	case hits == 0:
		return ErrOldStringMissing
	case hits > 1:
		return ErrOldStringAmbiguous
	}
	updated := strings.Replace(a.Content, old, new, 1)
	if updated == a.Content {
		return ErrNoChange
	}
	a.Content = updated
	a.UpdatedAt = s.now()
	return nil
}

// SoftDelete marks the artifact deleted. Idempotence is a failure here:
// deleting twice returns false so the caller can report it.
func (s *Store) SoftDelete(id, deletedBy string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.artifacts[id]
	if !ok || a.Deleted {
		return false
	}
	now := s.now()
	a.Deleted = true
	a.DeletedAt = &now
	a.DeletedBy = deletedBy
	a.UpdatedAt = now
	return true
}

// ByOwner returns live artifact ids owned by owner.
func (s *Store) ByOwner(owner string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id, a := range s.artifacts {
		if !a.Deleted && a.Owner == owner {
			out = append(out, id)
		}
	}
	return out
}

// OwnerUsage sums the disk footprint of an owner's live artifacts.
func (s *Store) OwnerUsage(owner string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	for _, a := range s.artifacts {
		if a.Deleted || a.Owner != owner {
			continue
		}
		total += a.SizeBytes()
	}
	return total
}

// DiscoverLoops returns the ids of live loop artifacts. These are the
// markers the simulation runner turns into autonomous loops.
func (s *Store) DiscoverLoops() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id, a := range s.artifacts {
		if a.HasLoop && a.Executable && !a.Deleted {
			out = append(out, id)
		}
	}
	return out
}

// TransferOwnership reassigns owner, writer, and principal together.
func (s *Store) TransferOwnership(id, newOwner string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.artifacts[id]
	if !ok || a.Deleted {
		return false
	}
	a.Owner = newOwner
	a.AuthState["writer"] = newOwner
	a.AuthState["principal"] = newOwner
	a.UpdatedAt = s.now()
	return true
}

// ModifyProtectedContent rewrites content bypassing deletion and protection
// checks. Kernel bootstrap and settlement paths only; never reachable from
// principal actions.
func (s *Store) ModifyProtectedContent(id, content string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.artifacts[id]
	if !ok {
		return false
	}
	a.Content = content
	a.UpdatedAt = s.now()
	return true
}
