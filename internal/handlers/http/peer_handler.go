package http

import (
	"context"
	"net/http"
	"time"

	"sharechannel/internal/core/domain"
	"sharechannel/internal/core/ports"
	"sharechannel/pkg/cache"
	"sharechannel/pkg/errors"
	"sharechannel/pkg/utils"
	"sharechannel/pkg/validation"

	"github.com/gin-gonic/gin"
)

const (
	generatedIDLength = 7
	generateAttempts  = 5
	clusterStatsTTL   = 5 * time.Second
)

// PeerDirectory lists the peers connected to this instance.
type PeerDirectory interface {
	ConnectedPeers() []domain.PeerID
	InstanceID() string
}

// ClusterStats reports peers across all rendezvous instances.
type ClusterStats interface {
	Instances(ctx context.Context) ([]string, error)
	PeerCount(ctx context.Context) (int, error)
}

type clusterSnapshot struct {
	instances int
	peers     int
}

type PeerHandler struct {
	directory PeerDirectory
	registry  ports.IDRegistry
	cluster   ClusterStats
	stats     *cache.Cache[string, clusterSnapshot]
}

// NewPeerHandler builds the peer endpoints. cluster may be nil on a
// single instance deployment.
func NewPeerHandler(directory PeerDirectory, registry ports.IDRegistry, cluster ClusterStats) *PeerHandler {
	return &PeerHandler{
		directory: directory,
		registry:  registry,
		cluster:   cluster,
		stats:     cache.New[string, clusterSnapshot](clusterStatsTTL),
	}
}

func (h *PeerHandler) SetupRoutes(router gin.IRouter) {
	router.GET("/id", h.GenerateID)
	router.GET("/peers", h.ListPeers)
	router.GET("/peers/:id", h.GetPeer)
}

// GenerateID returns a random session id that is not currently leased.
func (h *PeerHandler) GenerateID(c *gin.Context) {
	for i := 0; i < generateAttempts; i++ {
		id := domain.PeerID(utils.RandomSuffix(generatedIDLength))
		owner, err := h.registry.Owner(c.Request.Context(), id)
		if err != nil {
			_ = c.Error(errors.WrapError(err, errors.ErrCodeServiceUnavailable, "id registry unavailable", http.StatusServiceUnavailable))
			return
		}
		if owner == "" {
			c.JSON(http.StatusOK, gin.H{"id": id})
			return
		}
	}
	_ = c.Error(errors.NewServiceUnavailableError("could not find a free id"))
}

func (h *PeerHandler) ListPeers(c *gin.Context) {
	peers := h.directory.ConnectedPeers()
	resp := gin.H{
		"instance_id": h.directory.InstanceID(),
		"peers":       peers,
		"count":       len(peers),
	}

	if h.cluster != nil {
		snap, err := h.stats.GetOrLoad(c.Request.Context(), "cluster", h.loadClusterStats)
		if err != nil {
			_ = c.Error(errors.WrapError(err, errors.ErrCodeServiceUnavailable, "cluster state unavailable", http.StatusServiceUnavailable))
			return
		}
		resp["instances"] = snap.instances
		resp["cluster_count"] = snap.peers
	}

	c.JSON(http.StatusOK, resp)
}

// loadClusterStats reads cluster totals; results are cached briefly since
// they cost a Redis scan.
func (h *PeerHandler) loadClusterStats(ctx context.Context) (clusterSnapshot, error) {
	instances, err := h.cluster.Instances(ctx)
	if err != nil {
		return clusterSnapshot{}, err
	}
	total, err := h.cluster.PeerCount(ctx)
	if err != nil {
		return clusterSnapshot{}, err
	}
	return clusterSnapshot{instances: len(instances), peers: total}, nil
}

// GetPeer reports whether id is registered and which instance holds it.
func (h *PeerHandler) GetPeer(c *gin.Context) {
	raw := c.Param("id")
	if err := validation.ValidatePeerID(raw); err != nil {
		_ = c.Error(errors.NewInvalidIDError(raw))
		return
	}

	owner, err := h.registry.Owner(c.Request.Context(), domain.PeerID(raw))
	if err != nil {
		_ = c.Error(errors.WrapError(err, errors.ErrCodeServiceUnavailable, "id registry unavailable", http.StatusServiceUnavailable))
		return
	}
	if owner == "" {
		c.JSON(http.StatusNotFound, gin.H{"id": raw, "online": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":       raw,
		"online":   true,
		"instance": owner,
		"local":    owner == h.directory.InstanceID(),
	})
}
