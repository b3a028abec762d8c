// Package xnat adapts a remote XNAT-style repository: hierarchical metadata
// discovery, checksum-verified caching of resource bundles, and field and
// provenance read/write.
package xnat

import (
	"context"
	"fmt"
	"io"
)

// Session is an authenticated connection to the remote repository. Obtain one
// from API.Connect and release it with Close on every exit path.
type Session interface {
	// GetJSON fetches the metadata document at path and decodes it into `into`.
	//
	// # Args
	//
	// - ctx: context.Context
	//
	// - path: server-relative path (e.g. "/data/archive/projects/PRJ").
	//
	// - into: decode target.
	//
	// # Returns
	//
	// - error: ErrNotFound when the remote has no such document.
	GetJSON(ctx context.Context, path string, into any) error

	// Download streams the zip bundle of all files under uri into dest.
	Download(ctx context.Context, uri string, dest io.Writer) error

	// Upload places the content of src as the file `name` within the
	// resource at uri, creating the resource if needed.
	Upload(ctx context.Context, uri string, name string, src io.Reader) error

	// PutField writes a textual field value onto the session at sessionURI.
	PutField(ctx context.Context, sessionURI string, name string, value string) error

	// Close releases the remote session token. Calling it twice is safe.
	Close() error
}

// API is the capability the adapter needs from a remote repository.
type API interface {
	// Connect authenticates and opens a Session.
	Connect(ctx context.Context) (Session, error)
}

// Node is one metadata item of the remote hierarchy (project, subject,
// session, scan, resource or field), as served by the detail endpoints.
type Node struct {
	DataFields map[string]any `json:"data_fields"`
	Children   []Child        `json:"children"`
}

// Child groups the sub-items of a Node under the relation that links them
// (e.g. "fields/field", "resources/resource", "scans/scan").
type Child struct {
	Field string `json:"field"`
	Items []Node `json:"items"`
}

// Items returns the sub-items linked by the given relation, or nil.
func (n Node) Items(field string) []Node {
	for _, c := range n.Children {
		if c.Field == field {
			return c.Items
		}
	}
	return nil
}

// DataField renders the named data field as text. Numbers decoded from JSON
// come back without an exponent. Missing keys render empty.
func (n Node) DataField(key string) string {
	v, ok := n.DataFields[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	default:
		return fmt.Sprint(v)
	}
}

// document is the envelope of the detail endpoints: {"items": [ ... ]}.
type document struct {
	Items []Node `json:"items"`
}

// resultSet is the envelope of the listing endpoints.
type resultSet struct {
	ResultSet struct {
		Result []ResultRow `json:"Result"`
	} `json:"ResultSet"`
}

// ResultRow is one row of a listing (subject, experiment or file).
type ResultRow struct {
	ID     string `json:"ID"`
	Label  string `json:"label"`
	Name   string `json:"Name"`
	Digest string `json:"digest"`
	URI    string `json:"URI"`
}

// getNode fetches the detail document at path and unwraps its single item.
func getNode(ctx context.Context, sess Session, path string) (Node, error) {
	doc := document{}
	if err := sess.GetJSON(ctx, path, &doc); err != nil {
		return Node{}, err
	}
	if len(doc.Items) == 0 {
		return Node{}, fmt.Errorf("%w: empty document at %s", ErrNotFound, path)
	}
	return doc.Items[0], nil
}
