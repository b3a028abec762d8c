package main

import (
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/neurodata/synq/pkg/cache"
	"github.com/neurodata/synq/pkg/utils/archive"
)

const sessionCookie = "JSESSIONID"

// Server serves an Archive over the remote repository's wire protocol:
// JSESSION token auth, nested metadata documents, digest listings and zip
// bundles of resource files.
type Server struct {
	archive  *Archive
	secret   []byte
	user     string
	password string
	tokenTTL time.Duration
}

func NewServer(archive *Archive, secret []byte, user string, password string) *Server {
	return &Server{
		archive:  archive,
		secret:   secret,
		user:     user,
		password: password,
		tokenTTL: 15 * time.Minute,
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.POST("/data/JSESSION", s.login)
	e.DELETE("/data/JSESSION", s.logout)

	authed := e.Group("", s.requireSession)
	authed.GET("/data/archive/projects/:project", s.getProject)
	authed.GET("/data/projects/:project/subjects", s.listSubjects)
	authed.GET("/data/projects/:project/experiments", s.listSessions)
	authed.GET("/data/projects/:project/experiments/:session", s.getSession)
	authed.GET("/data/archive/projects/:project/subjects/:subject", s.getSubject)
	authed.GET("/data/archive/projects/:project/subjects/:subject/experiments/:session", s.getSession)

	authed.GET(
		"/data/archive/projects/:project/subjects/:subject/experiments/:session/scans/:scan/files",
		s.getScanFiles,
	)

	files := "/resources/:resource/files"
	for _, scope := range []string{
		"/data/archive/projects/:project/subjects/:subject/experiments/:session/scans/:scan",
		"/data/archive/projects/:project/subjects/:subject/experiments/:session",
		"/data/archive/projects/:project/subjects/:subject",
		"/data/archive/projects/:project",
	} {
		authed.GET(scope+files, s.getFiles)
		authed.PUT(scope+files+"/*", s.putFile)
	}

	authed.PUT("/data/archive/projects/:project/subjects/:subject/experiments/:session/fields/:name", s.putField)
}

func (s *Server) login(c echo.Context) error {
	if s.user != "" {
		user, password, ok := c.Request().BasicAuth()
		if !ok || user != s.user || password != s.password {
			return echo.NewHTTPError(http.StatusUnauthorized)
		}
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": s.user,
		"jti": uuid.NewString(),
		"exp": jwt.NewNumericDate(time.Now().Add(s.tokenTTL)),
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return err
	}
	return c.String(http.StatusOK, signed)
}

func (s *Server) logout(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

func (s *Server) requireSession(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		cookie, err := c.Cookie(sessionCookie)
		if err != nil {
			return echo.NewHTTPError(http.StatusUnauthorized, "no session")
		}
		_, err = jwt.Parse(
			cookie.Value,
			func(*jwt.Token) (any, error) { return s.secret, nil },
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		)
		if err != nil {
			return echo.NewHTTPError(http.StatusUnauthorized, "session expired or forged")
		}
		return next(c)
	}
}

// resolve walks the path params down to the addressed level. Every returned
// pointer above the deepest requested one is non-nil.
func (s *Server) resolve(c echo.Context) (*Project, *Subject, *Session, *Scan, error) {
	project := s.archive.project(c.Param("project"))
	if project == nil {
		return nil, nil, nil, nil, echo.NewHTTPError(http.StatusNotFound, "no such project")
	}

	var subject *Subject
	if key := c.Param("subject"); key != "" {
		if subject = project.subject(key); subject == nil {
			return nil, nil, nil, nil, echo.NewHTTPError(http.StatusNotFound, "no such subject")
		}
	}
	var session *Session
	if key := c.Param("session"); key != "" {
		if session = project.session(key); session == nil {
			return nil, nil, nil, nil, echo.NewHTTPError(http.StatusNotFound, "no such session")
		}
	}
	var scan *Scan
	if key := c.Param("scan"); key != "" {
		if session == nil {
			return nil, nil, nil, nil, echo.NewHTTPError(http.StatusNotFound, "scan outside a session")
		}
		if scan = session.scan(key); scan == nil {
			return nil, nil, nil, nil, echo.NewHTTPError(http.StatusNotFound, "no such scan")
		}
	}
	return project, subject, session, scan, nil
}

func (s *Server) getProject(c echo.Context) error {
	s.archive.mu.Lock()
	defer s.archive.mu.Unlock()

	project, _, _, _, err := s.resolve(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, document(project.node()))
}

func (s *Server) listSubjects(c echo.Context) error {
	s.archive.mu.Lock()
	defer s.archive.mu.Unlock()

	project, _, _, _, err := s.resolve(c)
	if err != nil {
		return err
	}
	rows := make([]map[string]any, 0, len(project.Subjects))
	for _, subject := range project.Subjects {
		rows = append(rows, map[string]any{"ID": subject.ID, "label": subject.Label})
	}
	return c.JSON(http.StatusOK, resultSet(rows))
}

func (s *Server) listSessions(c echo.Context) error {
	s.archive.mu.Lock()
	defer s.archive.mu.Unlock()

	project, _, _, _, err := s.resolve(c)
	if err != nil {
		return err
	}
	rows := make([]map[string]any, 0, len(project.Sessions))
	for _, session := range project.Sessions {
		rows = append(rows, map[string]any{"ID": session.ID, "label": session.Label})
	}
	return c.JSON(http.StatusOK, resultSet(rows))
}

func (s *Server) getSubject(c echo.Context) error {
	s.archive.mu.Lock()
	defer s.archive.mu.Unlock()

	_, subject, _, _, err := s.resolve(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, document(subject.node()))
}

func (s *Server) getSession(c echo.Context) error {
	s.archive.mu.Lock()
	defer s.archive.mu.Unlock()

	_, _, session, _, err := s.resolve(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, document(session.node()))
}

// resolveResource finds the resource addressed by the request within its scope
// (project, subject, session or scan), together with the path its files take
// inside a zip bundle.
func (s *Server) resolveResource(c echo.Context, create bool) (*Resource, string, error) {
	project, subject, session, scan, err := s.resolve(c)
	if err != nil {
		return nil, "", err
	}
	label := c.Param("resource")

	var resource *Resource
	var holder *[]*Resource
	prefix := label + "/files"
	switch {
	case scan != nil:
		resource = scan.resource(label)
		holder = &scan.Resources
		prefix = session.Label +
			"/scans/" + scan.ID + "-" + cache.SanitizeName(scan.Type) +
			"/resources/" + label + "/files"
	case session != nil:
		resource = session.resource(label)
		holder = &session.Resources
	case subject != nil:
		resource = subject.resource(label)
		holder = &subject.Resources
	default:
		resource = project.resource(label)
		holder = &project.Resources
	}

	if resource == nil {
		if !create {
			return nil, "", echo.NewHTTPError(http.StatusNotFound, "no such resource")
		}
		resource = &Resource{Label: label}
		*holder = append(*holder, resource)
	}
	return resource, prefix, nil
}

// getScanFiles lists the data files of a scan across all of its resources.
// Snapshot previews are not data and are left out of the digest listing.
func (s *Server) getScanFiles(c echo.Context) error {
	s.archive.mu.Lock()
	defer s.archive.mu.Unlock()

	_, _, _, scan, err := s.resolve(c)
	if err != nil {
		return err
	}
	rows := []map[string]any{}
	for _, resource := range scan.Resources {
		if resource.Label == "SNAPSHOTS" {
			continue
		}
		for _, f := range resource.Files {
			rows = append(rows, map[string]any{
				"Name":   f.Name,
				"digest": f.Digest(),
				"URI":    c.Request().URL.Path + "/" + f.Name,
			})
		}
	}
	return c.JSON(http.StatusOK, resultSet(rows))
}

func (s *Server) getFiles(c echo.Context) error {
	s.archive.mu.Lock()
	defer s.archive.mu.Unlock()

	resource, prefix, err := s.resolveResource(c, false)
	if err != nil {
		return err
	}

	if c.QueryParam("format") == "zip" {
		return streamZip(c, resource, prefix)
	}

	rows := make([]map[string]any, 0, len(resource.Files))
	for _, f := range resource.Files {
		rows = append(rows, map[string]any{
			"Name":   f.Name,
			"digest": f.Digest(),
			"URI":    c.Request().URL.Path + "/" + f.Name,
		})
	}
	return c.JSON(http.StatusOK, resultSet(rows))
}

// streamZip bundles the resource's files below prefix, the layout download
// clients reconstruct.
func streamZip(c echo.Context, resource *Resource, prefix string) error {
	tmp, err := os.MkdirTemp("", "mockxnat-zip-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmp)
	for _, f := range resource.Files {
		if err := os.WriteFile(filepath.Join(tmp, f.Name), f.Content, 0o644); err != nil {
			return err
		}
	}

	c.Response().Header().Set(echo.HeaderContentType, "application/zip")
	c.Response().WriteHeader(http.StatusOK)
	return archive.ZipTree(c.Response(), tmp, prefix)
}

func (s *Server) putFile(c echo.Context) error {
	s.archive.mu.Lock()
	defer s.archive.mu.Unlock()

	resource, _, err := s.resolveResource(c, true)
	if err != nil {
		return err
	}
	content, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return err
	}
	name := c.Param("*")
	if unescaped, err := url.PathUnescape(name); err == nil {
		name = unescaped
	}
	resource.put(name, content)
	return c.NoContent(http.StatusCreated)
}

func (s *Server) putField(c echo.Context) error {
	s.archive.mu.Lock()
	defer s.archive.mu.Unlock()

	_, _, session, _, err := s.resolve(c)
	if err != nil {
		return err
	}
	value, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return err
	}
	if session.Fields == nil {
		session.Fields = map[string]string{}
	}
	session.Fields[c.Param("name")] = string(value)
	return c.NoContent(http.StatusOK)
}

func resultSet(rows []map[string]any) map[string]any {
	return map[string]any{
		"ResultSet": map[string]any{"Result": rows},
	}
}
