// Package buildapi is an in-process stand-in for the Build Cloud API used by
// the system tests: it verifies signed request tokens against a registered
// public key, deduplicates creates by idempotency key, and walks build runs
// through their status progression.
package buildapi

import (
	"crypto/ecdsa"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/EternisAI/buildctl/internal/api"
	"github.com/EternisAI/buildctl/internal/token"
)

type buildState struct {
	run   api.BuildRun
	polls int
}

type Server struct {
	engine    *gin.Engine
	publicKey *ecdsa.PublicKey
	keyID     string
	issuerID  string

	mu           sync.Mutex
	workflows    []api.Resource
	byIdemKey    map[string]api.Resource
	builds       map[string]*buildState
	failuresLeft int
}

func NewServer(publicKey *ecdsa.PublicKey, keyID, issuerID string) *Server {
	s := &Server{
		publicKey: publicKey,
		keyID:     keyID,
		issuerID:  issuerID,
		byIdemKey: make(map[string]api.Resource),
		builds:    make(map[string]*buildState),
	}

	engine := gin.New()
	engine.Use(s.authenticate)
	engine.Use(s.injectFailures)
	engine.GET("/v1/:kind", s.listResources)
	engine.POST("/v1/workflows", s.createWorkflow)
	engine.POST("/v1/workflows/:id/builds", s.triggerBuild)
	engine.GET("/v1/builds/:id", s.getBuild)
	s.engine = engine

	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// FailNext makes the next n authenticated requests answer 500, to exercise
// the client's retry path.
func (s *Server) FailNext(n int) {
	s.mu.Lock()
	s.failuresLeft = n
	s.mu.Unlock()
}

// WorkflowCount reports how many workflows were actually created, which the
// idempotency tests compare against.
func (s *Server) WorkflowCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workflows)
}

func (s *Server) authenticate(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if header == "" || !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody("UNAUTHORIZED", "missing or invalid authorization header"))
		return
	}

	raw := strings.TrimPrefix(header, "Bearer ")
	parsed, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid != s.keyID {
			return nil, fmt.Errorf("unknown key ID %q", kid)
		}
		return s.publicKey, nil
	}, jwt.WithValidMethods([]string{"ES256"}),
		jwt.WithAudience(token.Audience),
		jwt.WithIssuer(s.issuerID),
		jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid {
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody("UNAUTHORIZED", "invalid token"))
		return
	}

	c.Next()
}

func (s *Server) injectFailures(c *gin.Context) {
	s.mu.Lock()
	fail := s.failuresLeft > 0
	if fail {
		s.failuresLeft--
	}
	s.mu.Unlock()

	if fail {
		c.AbortWithStatusJSON(http.StatusInternalServerError, errorBody("INTERNAL", "injected failure"))
		return
	}
	c.Next()
}

func (s *Server) listResources(c *gin.Context) {
	kind := c.Param("kind")

	s.mu.Lock()
	defer s.mu.Unlock()

	switch kind {
	case api.KindWorkflows:
		c.JSON(http.StatusOK, gin.H{"data": s.workflows})
	case api.KindProducts:
		c.JSON(http.StatusOK, gin.H{"data": []api.Resource{
			{ID: "prod-1", Kind: api.KindProducts, Name: "Example App"},
		}})
	case api.KindBuilds:
		resources := make([]api.Resource, 0, len(s.builds))
		for _, b := range s.builds {
			resources = append(resources, api.Resource{ID: b.run.ID, Kind: api.KindBuilds, Name: b.run.WorkflowID, State: b.run.Status})
		}
		c.JSON(http.StatusOK, gin.H{"data": resources})
	default:
		c.JSON(http.StatusNotFound, errorBody("NOT_FOUND", "unknown resource kind"))
	}
}

func (s *Server) createWorkflow(c *gin.Context) {
	var spec api.WorkflowSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("INVALID", err.Error()))
		return
	}
	if spec.Scheme == "" {
		c.JSON(http.StatusUnprocessableEntity, errorBody("INVALID", "scheme is required"))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if key := c.GetHeader("Idempotency-Key"); key != "" {
		if existing, ok := s.byIdemKey[key]; ok {
			c.JSON(http.StatusCreated, existing)
			return
		}
		defer func() {
			s.byIdemKey[key] = s.workflows[len(s.workflows)-1]
		}()
	}

	resource := api.Resource{
		ID:       "wf-" + uuid.NewString(),
		Kind:     api.KindWorkflows,
		Name:     spec.Name,
		State:    "active",
		Workflow: &spec,
	}
	s.workflows = append(s.workflows, resource)

	c.JSON(http.StatusCreated, resource)
}

func (s *Server) triggerBuild(c *gin.Context) {
	workflowID := c.Param("id")

	var params api.TriggerParams
	if err := c.ShouldBindJSON(&params); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("INVALID", err.Error()))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	found := false
	for _, wf := range s.workflows {
		if wf.ID == workflowID {
			found = true
			break
		}
	}
	if !found {
		c.JSON(http.StatusNotFound, errorBody("NOT_FOUND", "no such workflow"))
		return
	}

	run := api.BuildRun{
		ID:         "run-" + uuid.NewString(),
		WorkflowID: workflowID,
		Status:     api.StatusQueued,
	}
	s.builds[run.ID] = &buildState{run: run}

	c.JSON(http.StatusCreated, run)
}

// getBuild advances the run one step per poll: queued, running, completed.
func (s *Server) getBuild(c *gin.Context) {
	runID := c.Param("id")

	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.builds[runID]
	if !ok {
		c.JSON(http.StatusNotFound, errorBody("NOT_FOUND", "no such build run"))
		return
	}

	state.polls++
	switch {
	case state.polls == 1:
		state.run.Status = api.StatusRunning
	case state.polls >= 2:
		state.run.Status = api.StatusCompleted
	}

	c.JSON(http.StatusOK, state.run)
}

func errorBody(code, message string) gin.H {
	return gin.H{"error": gin.H{"code": code, "message": message}}
}
