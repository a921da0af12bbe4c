package rest

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/duke-git/lancet/v2/strutil"
	"github.com/gofiber/fiber/v2"

	"yqhp/proofsearch/internal/gateway"
	"yqhp/proofsearch/pkg/types"
)

// healthCheck handles GET /health
func (s *Server) healthCheck(c *fiber.Ctx) error {
	return c.JSON(HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().Format(time.RFC3339),
		Workers:   s.gateway.Registry().Stats().Live,
	})
}

// getStats handles GET /api/v1/stats
func (s *Server) getStats(c *fiber.Ctx) error {
	return c.JSON(StatsResponse{
		Registry: s.gateway.Registry().Stats(),
		Dispatch: s.gateway.Stats().Snapshot(),
	})
}

// registerWorker handles POST /api/v1/workers/register
func (s *Server) registerWorker(c *fiber.Ctx) error {
	var req types.RegisterRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Failed to parse request body: "+err.Error())
	}

	address := req.Address
	if strutil.IsBlank(address) {
		if req.Port <= 0 {
			return badRequest(c, "Either 'address' or 'port' must be provided")
		}
		// 未提供地址时使用调用方 IP
		address = fmt.Sprintf("http://%s:%d", c.IP(), req.Port)
	}

	reg := &types.Registration{
		Tag:     req.Tag,
		Address: address,
		Path:    req.Path,
		Class:   types.WorkerClass(req.Class),
	}
	id, err := s.gateway.Registry().Register(c.UserContext(), reg)
	if err != nil {
		return writeError(c, err)
	}
	worker, err := s.gateway.Registry().Get(c.UserContext(), id)
	if err != nil {
		return writeError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(types.RegisterResponse{
		WorkerID:  id,
		Address:   worker.Address,
		LeaseTTL:  worker.Lease.TTL.Milliseconds(),
		ExpiresAt: worker.Lease.ExpiresAt().UnixMilli(),
	})
}

// renewWorker handles POST /api/v1/workers/:id/renew
func (s *Server) renewWorker(c *fiber.Ctx) error {
	id := c.Params("id")
	lease, err := s.gateway.Registry().Renew(c.UserContext(), id)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(types.RenewResponse{
		WorkerID:  id,
		LeaseTTL:  lease.TTL.Milliseconds(),
		ExpiresAt: lease.ExpiresAt().UnixMilli(),
	})
}

// drainWorker handles POST /api/v1/workers/:id/drain
func (s *Server) drainWorker(c *fiber.Ctx) error {
	if err := s.gateway.Registry().Drain(c.UserContext(), c.Params("id")); err != nil {
		return writeError(c, err)
	}
	return c.JSON(types.AckResponse{Success: true, Message: "Worker draining"})
}

// deregisterWorker handles POST /api/v1/workers/:id/deregister
func (s *Server) deregisterWorker(c *fiber.Ctx) error {
	if err := s.gateway.Registry().Deregister(c.UserContext(), c.Params("id")); err != nil {
		return writeError(c, err)
	}
	return c.JSON(types.AckResponse{Success: true, Message: "Worker deregistered"})
}

// listWorkers handles GET /api/v1/workers
func (s *Server) listWorkers(c *fiber.Ctx) error {
	filter := &gateway.WorkerFilter{
		Tag:   c.Query("tag"),
		Class: types.WorkerClass(c.Query("class")),
	}
	if status := c.Query("status"); status != "" {
		for _, st := range strings.Split(status, ",") {
			filter.Statuses = append(filter.Statuses, types.WorkerStatus(strings.TrimSpace(st)))
		}
	}

	workers := s.gateway.Registry().List(c.UserContext(), filter)
	return c.JSON(types.WorkerListResponse{
		Workers: workers,
		Total:   len(workers),
	})
}

// getWorker handles GET /api/v1/workers/:id
func (s *Server) getWorker(c *fiber.Ctx) error {
	worker, err := s.gateway.Registry().Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(worker)
}

// legacyRegister handles POST /register {url, model_name, model_path}.
// Registering an address that is already live renews its lease.
func (s *Server) legacyRegister(c *fiber.Ctx) error {
	var req types.LegacyRegisterRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid JSON body.")
	}
	if strutil.IsBlank(req.URL) || strutil.IsBlank(req.ModelName) || strutil.IsBlank(req.ModelPath) {
		return badRequest(c, "'url', 'model_name', and 'model_path' are required.")
	}

	ctx := c.UserContext()
	registry := s.gateway.Registry()
	id, err := registry.Register(ctx, &types.Registration{
		Tag:     req.ModelName,
		Address: req.URL,
		Path:    req.ModelPath,
		Class:   types.WorkerClassModelServer,
	})
	if errors.Is(err, gateway.ErrDuplicateAddress) {
		address := gateway.NormalizeAddress(req.URL)
		for _, w := range registry.Lookup(ctx, req.ModelName) {
			if w.Address == address {
				id = w.ID
				_, err = registry.Renew(ctx, id)
				break
			}
		}
	}
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(fiber.Map{
		"message":   "Worker registered successfully",
		"worker_id": id,
	})
}

// legacyWorkers handles GET /workers
func (s *Server) legacyWorkers(c *fiber.Ctx) error {
	pool := make(map[string][]LegacyWorker)
	for _, w := range s.gateway.Registry().List(c.UserContext(), &gateway.WorkerFilter{
		Statuses: []types.WorkerStatus{types.WorkerStatusLive},
	}) {
		pool[w.Tag] = append(pool[w.Tag], LegacyWorker{URL: w.Address, Path: w.Path})
	}
	return c.JSON(LegacyWorkersResponse{WorkerPool: pool})
}

// dispatch handles POST /api/v1/dispatch/:tag[/*]
func (s *Server) dispatch(c *fiber.Ctx) error {
	req := newRequest(c, c.Params("tag"), "")
	if rest := c.Params("*"); rest != "" {
		req.Path = "/" + rest
	}
	if h := c.Get(types.HeaderAdmissionTimeout); h != "" {
		d, err := ParseAdmissionTimeout(h)
		if err != nil {
			return badRequest(c, err.Error())
		}
		req.AdmissionTimeout = d
	}
	return s.forward(c, req)
}

// compile returns the handler for the compilation proxy routes.
func (s *Server) compile(path string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		return s.forward(c, newRequest(c, s.config.CompilerTag, path))
	}
}

func newRequest(c *fiber.Ctx, tag, path string) *types.Request {
	return &types.Request{
		Tag:         tag,
		Method:      c.Method(),
		Path:        path,
		ContentType: string(c.Request().Header.ContentType()),
		Payload:     append([]byte(nil), c.Body()...),
	}
}

func (s *Server) forward(c *fiber.Ctx, req *types.Request) error {
	resp, err := s.gateway.Router().Dispatch(c.UserContext(), req)
	if err != nil {
		return writeError(c, err)
	}

	c.Set(types.HeaderWorkerID, resp.WorkerID)
	if resp.ContentType != "" {
		c.Set(fiber.HeaderContentType, resp.ContentType)
	}
	return c.Status(resp.StatusCode).Send(resp.Body)
}

// ParseAdmissionTimeout accepts a Go duration ("45s") or a number of seconds.
func ParseAdmissionTimeout(v string) (time.Duration, error) {
	if d, err := time.ParseDuration(v); err == nil {
		if d < 0 {
			return 0, fmt.Errorf("negative admission timeout %q", v)
		}
		return d, nil
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil || secs < 0 {
		return 0, fmt.Errorf("invalid %s header %q", types.HeaderAdmissionTimeout, v)
	}
	return time.Duration(secs * float64(time.Second)), nil
}
