package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Document is the unit of storage: a JSON record stored under a unique id
// within an entity-typed collection. Fields holds the entity-specific body;
// identity, revision and timestamps live outside it.
type Document struct {
	ID        string
	Rev       string
	Entity    EntityType
	Deleted   bool
	Seq       int64
	CreatedAt time.Time
	UpdatedAt time.Time
	Fields    map[string]interface{}

	// Ancestry lists ancestor revisions, newest first. Replication uses it
	// to tell a fast-forward of an existing branch from a true conflict.
	Ancestry []string

	// Local marks revisions written by this process; pulled revisions are
	// not local and are excluded from push replication.
	Local bool
}

// AncestryLimit bounds how many ancestor revisions a document carries.
const AncestryLimit = 20

// ExtendAncestry prepends a revision to an ancestry list, trimming to the
// retention limit.
func ExtendAncestry(ancestry []string, rev string) []string {
	out := make([]string, 0, len(ancestry)+1)
	out = append(out, rev)
	out = append(out, ancestry...)
	if len(out) > AncestryLimit {
		out = out[:AncestryLimit]
	}
	return out
}

// Clone returns a deep-enough copy for callers that mutate Fields.
func (d *Document) Clone() *Document {
	c := *d
	c.Fields = make(map[string]interface{}, len(d.Fields))
	for k, v := range d.Fields {
		c.Fields[k] = v
	}
	return &c
}

// String returns a string field value, or "" when absent or not a string.
func (d *Document) String(field string) string {
	if v, ok := d.Fields[field].(string); ok {
		return v
	}
	return ""
}

// Number returns a numeric field value. JSON decoding yields float64 for all
// numbers, but documents built in-process may carry int.
func (d *Document) Number(field string) (float64, bool) {
	switch v := d.Fields[field].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

// Generation returns the numeric prefix of the document's revision.
func (d *Document) Generation() int {
	return RevGeneration(d.Rev)
}

// RevGeneration parses the generation out of a revision token. Malformed
// revisions count as generation 0.
func RevGeneration(rev string) int {
	idx := strings.IndexByte(rev, '-')
	if idx <= 0 {
		return 0
	}
	gen, err := strconv.Atoi(rev[:idx])
	if err != nil {
		return 0
	}
	return gen
}

// NewRev derives the next revision token from the previous one and the body
// being written. Tokens are "<generation>-<hash>": the generation strictly
// increases on every successful write, and the hash binds the token to the
// parent revision and content so divergent writers cannot mint equal tokens.
func NewRev(prevRev string, fields map[string]interface{}, deleted bool) string {
	gen := RevGeneration(prevRev) + 1

	h := sha256.New()
	h.Write([]byte(prevRev))
	if deleted {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}
	// Canonical field order so the hash is stable across map iteration.
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte(k))
		b, _ := json.Marshal(fields[k])
		h.Write(b)
	}

	return fmt.Sprintf("%d-%s", gen, hex.EncodeToString(h.Sum(nil))[:32])
}

// CompareRevs orders two revision tokens: higher generation wins, ties break
// on the lexicographically greater token. Deterministic on every replica, so
// all stores pick the same interim winner among conflicting siblings.
func CompareRevs(a, b string) int {
	ga, gb := RevGeneration(a), RevGeneration(b)
	if ga != gb {
		if ga < gb {
			return -1
		}
		return 1
	}
	return strings.Compare(a, b)
}

// Wire format shared with the remote document API.

const (
	wireID        = "_id"
	wireRev       = "_rev"
	wireDeleted   = "_deleted"
	wireCreatedAt = "created_at"
	wireUpdatedAt = "updated_at"
	wireAncestry  = "_rev_history"
)

// MarshalWire renders the document in the replication payload shape:
// entity fields plus _id, _rev, _deleted and the timestamps inline.
func (d *Document) MarshalWire() ([]byte, error) {
	body := make(map[string]interface{}, len(d.Fields)+5)
	for k, v := range d.Fields {
		body[k] = v
	}
	body[wireID] = d.ID
	body[wireRev] = d.Rev
	if d.Deleted {
		body[wireDeleted] = true
	}
	if !d.CreatedAt.IsZero() {
		body[wireCreatedAt] = d.CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	if !d.UpdatedAt.IsZero() {
		body[wireUpdatedAt] = d.UpdatedAt.UTC().Format(time.RFC3339Nano)
	}
	if len(d.Ancestry) > 0 {
		body[wireAncestry] = d.Ancestry
	}
	return json.Marshal(body)
}

// ParseWire decodes a replication payload into a Document.
func ParseWire(entity EntityType, data []byte) (*Document, error) {
	var body map[string]interface{}
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}

	doc := &Document{Entity: entity, Fields: body}

	id, _ := body[wireID].(string)
	if id == "" {
		return nil, fmt.Errorf("parse document: missing %s", wireID)
	}
	doc.ID = id
	doc.Rev, _ = body[wireRev].(string)
	doc.Deleted, _ = body[wireDeleted].(bool)
	doc.CreatedAt = parseWireTime(body[wireCreatedAt])
	doc.UpdatedAt = parseWireTime(body[wireUpdatedAt])
	if raw, ok := body[wireAncestry].([]interface{}); ok {
		for _, r := range raw {
			if rev, ok := r.(string); ok {
				doc.Ancestry = append(doc.Ancestry, rev)
			}
		}
	}

	delete(body, wireID)
	delete(body, wireRev)
	delete(body, wireDeleted)
	delete(body, wireCreatedAt)
	delete(body, wireUpdatedAt)
	delete(body, wireAncestry)

	return doc, nil
}

func parseWireTime(v interface{}) time.Time {
	s, ok := v.(string)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
