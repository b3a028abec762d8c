package main

import (
	"crypto/md5"
	"fmt"
	"sort"
	"sync"
)

// Archive is the in-memory project hierarchy the server serves. All access
// goes through its lock; handlers never hold references across requests.
type Archive struct {
	mu       sync.Mutex
	Projects map[string]*Project
}

type Project struct {
	Name      string
	Fields    map[string]string
	Resources []*Resource
	Subjects  []*Subject
	Sessions  []*Session
}

type Subject struct {
	ID        string
	Label     string
	Fields    map[string]string
	Resources []*Resource
}

type Session struct {
	ID        string
	Label     string
	SubjectID string
	Fields    map[string]string
	Scans     []*Scan
	Resources []*Resource
}

type Scan struct {
	ID        string
	Type      string
	Quality   string
	Resources []*Resource
}

type Resource struct {
	Label string
	Files []File
}

type File struct {
	Name    string
	Content []byte
}

func (f File) Digest() string {
	return fmt.Sprintf("%x", md5.Sum(f.Content))
}

func (r *Resource) put(name string, content []byte) {
	for i, f := range r.Files {
		if f.Name == name {
			r.Files[i].Content = content
			return
		}
	}
	r.Files = append(r.Files, File{Name: name, Content: content})
}

func (a *Archive) project(name string) *Project {
	return a.Projects[name]
}

// subject finds a subject by internal ID or by label.
func (p *Project) subject(key string) *Subject {
	for _, s := range p.Subjects {
		if s.ID == key || s.Label == key {
			return s
		}
	}
	return nil
}

// session finds a session by internal ID or by label.
func (p *Project) session(key string) *Session {
	for _, s := range p.Sessions {
		if s.ID == key || s.Label == key {
			return s
		}
	}
	return nil
}

func (p *Project) resource(label string) *Resource {
	return findResource(p.Resources, label)
}

func (s *Subject) resource(label string) *Resource {
	return findResource(s.Resources, label)
}

func (s *Session) resource(label string) *Resource {
	return findResource(s.Resources, label)
}

func (s *Session) scan(id string) *Scan {
	for _, sc := range s.Scans {
		if sc.ID == id {
			return sc
		}
	}
	return nil
}

func (s *Scan) resource(label string) *Resource {
	return findResource(s.Resources, label)
}

func findResource(resources []*Resource, label string) *Resource {
	for _, r := range resources {
		if r.Label == label {
			return r
		}
	}
	return nil
}

// fieldItems renders fields in the remote's nested item shape, in name order.
func fieldItems(fields map[string]string) []map[string]any {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	items := make([]map[string]any, 0, len(names))
	for _, name := range names {
		items = append(items, map[string]any{
			"data_fields": map[string]any{
				"name":  name,
				"field": fields[name],
			},
		})
	}
	return items
}

func resourceItems(resources []*Resource) []map[string]any {
	items := make([]map[string]any, 0, len(resources))
	for _, r := range resources {
		items = append(items, map[string]any{
			"data_fields": map[string]any{"label": r.Label},
		})
	}
	return items
}

func child(field string, items []map[string]any) map[string]any {
	return map[string]any{"field": field, "items": items}
}

func document(node map[string]any) map[string]any {
	return map[string]any{"items": []map[string]any{node}}
}

func (p *Project) node() map[string]any {
	return map[string]any{
		"data_fields": map[string]any{"ID": p.Name, "name": p.Name},
		"children": []map[string]any{
			child("fields/field", fieldItems(p.Fields)),
			child("resources/resource", resourceItems(p.Resources)),
		},
	}
}

func (s *Subject) node() map[string]any {
	return map[string]any{
		"data_fields": map[string]any{"ID": s.ID, "label": s.Label},
		"children": []map[string]any{
			child("fields/field", fieldItems(s.Fields)),
			child("resources/resource", resourceItems(s.Resources)),
		},
	}
}

func (s *Session) node() map[string]any {
	scans := make([]map[string]any, 0, len(s.Scans))
	for _, sc := range s.Scans {
		scans = append(scans, map[string]any{
			"data_fields": map[string]any{
				"ID":      sc.ID,
				"type":    sc.Type,
				"quality": sc.Quality,
			},
			"children": []map[string]any{
				child("file", resourceItems(sc.Resources)),
			},
		})
	}
	return map[string]any{
		"data_fields": map[string]any{
			"ID":         s.ID,
			"label":      s.Label,
			"subject_ID": s.SubjectID,
		},
		"children": []map[string]any{
			child("fields/field", fieldItems(s.Fields)),
			child("scans/scan", scans),
			child("resources/resource", resourceItems(s.Resources)),
		},
	}
}

// DefaultFixture is a small two-subject, two-visit project: enough structure
// to exercise discovery, field parsing, scan pulling and provenance records.
func DefaultFixture() *Archive {
	record := []byte(`{
  "datetime": "2020-01-02T03:04:05Z",
  "inputs": {"t1": "S1_V1/t1.nii.gz"},
  "outputs": {"coreg": "S1_V1/coreg.nii.gz"},
  "parameters": {"dof": 6}
}`)

	project := &Project{
		Name:   "PRJ",
		Fields: map[string]string{"seg-meanval": "3"},
		Subjects: []*Subject{
			{
				ID: "XNAT_S01", Label: "PRJ_S1",
				Fields: map[string]string{"e": "4.44444"},
			},
			{
				ID: "XNAT_S02", Label: "PRJ_S2",
				Fields: map[string]string{"e": "3.33333"},
			},
		},
		Sessions: []*Session{
			{
				ID: "E01", Label: "PRJ_S1_V1", SubjectID: "XNAT_S01",
				Fields: map[string]string{"a": "1"},
				Scans: []*Scan{
					{
						ID: "7", Type: "t1", Quality: "usable",
						Resources: []*Resource{
							{Label: "NIFTI", Files: []File{{Name: "image.nii", Content: []byte("nifti bytes")}}},
							{Label: "SNAPSHOTS", Files: []File{{Name: "thumb.gif", Content: []byte("gif")}}},
						},
					},
				},
				Resources: []*Resource{
					{Label: "seg-wm_mask", Files: []File{{Name: "mask.nii", Content: []byte("mask bytes")}}},
					{Label: "PROV__", Files: []File{{Name: "coreg.json", Content: record}}},
				},
			},
			{
				ID: "E02", Label: "PRJ_S1_V2", SubjectID: "XNAT_S01",
				Fields: map[string]string{"a": "2", "c": "&quot;van&quot;"},
			},
			{
				ID: "E03", Label: "PRJ_S2_V1", SubjectID: "XNAT_S02",
				Fields: map[string]string{"a": "3"},
			},
			{
				ID: "E04", Label: "PRJ_S2_V2", SubjectID: "XNAT_S02",
			},
		},
	}

	return &Archive{Projects: map[string]*Project{project.Name: project}}
}
