package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/redteamnet/arbiter/cache"
	"github.com/redteamnet/arbiter/submission"
	"github.com/redteamnet/arbiter/types"
)

// Handler serves cached scoring results. Callers identify submissions
// by the encrypted commit they observed on chain; the handler resolves
// each commit through the canonical set to its content and looks the
// result up in the cache.
type Handler struct {
	logger    *zap.Logger
	store     *cache.Store
	canonical func() *submission.CanonicalSet
	isDone    func(challenge string) bool
}

func NewHandler(logger *zap.Logger, store *cache.Store, canonical func() *submission.CanonicalSet, isDone func(string) bool) *Handler {
	return &Handler{logger: logger, store: store, canonical: canonical, isDone: isDone}
}

// Router builds the HTTP surface.
func (h *Handler) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.POST("/api/v1/results", h.results)
	return r
}

type resultsRequest struct {
	ChallengeName    string   `json:"challenge_name" binding:"required"`
	EncryptedCommits []string `json:"encrypted_commits" binding:"required"`
}

type resultsResponse struct {
	ChallengeName string                          `json:"challenge_name"`
	IsDone        bool                            `json:"is_done"`
	Commits       map[string]*types.ScoringResult `json:"commits"`
}

// results returns the cached result for each known commit. Commits
// that cannot be resolved or have no result yet are simply omitted;
// is_done tells the caller whether today's scores are final.
func (h *Handler) results(c *gin.Context) {
	var req resultsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	set := h.canonical()
	resp := resultsResponse{
		ChallengeName: req.ChallengeName,
		IsDone:        h.isDone(req.ChallengeName),
		Commits:       make(map[string]*types.ScoringResult),
	}

	for _, commit := range req.EncryptedCommits {
		probe := submission.Submission{Encrypted: commit}
		sub, ok := set.ByPayloadHash(req.ChallengeName, probe.PayloadHash())
		if !ok {
			continue
		}
		hash, err := sub.ContentHash()
		if err != nil {
			continue
		}
		result, err := h.store.Get(req.ChallengeName, hash)
		if errors.Is(err, cache.ErrNotFound) {
			continue
		}
		if err != nil {
			h.logger.Error("reading scoring result", zap.String("hash", hash), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "storage failure"})
			return
		}
		resp.Commits[commit] = result
	}

	c.JSON(http.StatusOK, resp)
}
