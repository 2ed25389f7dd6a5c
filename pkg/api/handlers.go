package api

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/tandem-ai/tandem/pkg/engine"
	"github.com/tandem-ai/tandem/pkg/service"
)

// RaceRequest is the body of POST /api/v1/races.
type RaceRequest struct {
	Prompt  string `json:"prompt"`
	Label   string `json:"label,omitempty"`
	Model   string `json:"model,omitempty"`
	NoCache bool   `json:"no_cache,omitempty"`
}

// RunRequest is the body of POST /api/v1/runs.
type RunRequest struct {
	Request     string `json:"request"`
	Description string `json:"description,omitempty"`
	Async       bool   `json:"async,omitempty"`
}

// HealthResponse is the body of the health endpoints.
type HealthResponse struct {
	Status  string `json:"status"`
	Running bool   `json:"running"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) do(c *fiber.Ctx, req service.CommandRequest) (*service.CommandResponse, error) {
	return s.engine.Do(c.UserContext(), req)
}

func parseBody(c *fiber.Ctx, out interface{}) error {
	if err := c.BodyParser(out); err != nil {
		var ee *engine.EngineError
		if errors.As(err, &ee) {
			return ee
		}
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body: "+err.Error())
	}
	return nil
}

func (s *Server) health(c *fiber.Ctx) error {
	resp := HealthResponse{Status: "ok", Running: s.engine.Runner().Running()}
	if err := s.engine.HealthCheck(c.UserContext()); err != nil {
		resp.Status = "degraded"
		resp.Error = err.Error()
		return c.Status(fiber.StatusServiceUnavailable).JSON(resp)
	}
	return c.JSON(resp)
}

// command executes any engine command given as a CommandRequest body.
func (s *Server) command(c *fiber.Ctx) error {
	var req service.CommandRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	switch req.Command {
	case engine.CommandCacheExport, engine.CommandCacheImport:
		// Paths would name files on the server.
		return fiber.NewError(fiber.StatusForbidden, string(req.Command)+" is not available over HTTP")
	}
	resp, err := s.do(c, req)
	if err != nil {
		return err
	}
	return c.JSON(resp)
}

func (s *Server) race(c *fiber.Ctx) error {
	var body RaceRequest
	if err := parseBody(c, &body); err != nil {
		return err
	}
	resp, err := s.do(c, service.CommandRequest{
		Command: engine.CommandRace,
		Prompt:  body.Prompt,
		Label:   body.Label,
		Model:   body.Model,
		NoCache: body.NoCache,
	})
	if err != nil {
		return err
	}
	return c.JSON(resp.Race)
}

func (s *Server) listTasks(c *fiber.Ctx) error {
	resp, err := s.do(c, service.CommandRequest{
		Command: engine.CommandList,
		Status:  engine.TaskStatus(c.Query("status")),
		Limit:   c.QueryInt("limit", 0),
	})
	if err != nil {
		return err
	}
	tasks := resp.Tasks
	if tasks == nil {
		tasks = []engine.Task{}
	}
	return c.JSON(tasks)
}

func (s *Server) submitTask(c *fiber.Ctx) error {
	var spec engine.TaskSpec
	if err := parseBody(c, &spec); err != nil {
		return err
	}
	resp, err := s.do(c, service.CommandRequest{Command: engine.CommandSubmit, Task: &spec})
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"task_id": resp.TaskID})
}

func (s *Server) getTask(c *fiber.Ctx) error {
	resp, err := s.do(c, service.CommandRequest{Command: engine.CommandStatus, ID: c.Params("id")})
	if err != nil {
		return err
	}
	if resp.Task == nil {
		return engine.NewPermanentError("no task with id "+c.Params("id"), nil).WithCode(engine.ErrCodeNotFound)
	}
	return c.JSON(resp.Task)
}

func (s *Server) cancelTask(c *fiber.Ctx) error {
	id := c.Params("id")
	if _, ok := s.engine.Runner().Status(id); !ok {
		return engine.NewPermanentError("no task with id "+id, nil).WithCode(engine.ErrCodeNotFound)
	}
	resp, err := s.do(c, service.CommandRequest{Command: engine.CommandCancel, ID: id})
	if err != nil {
		return err
	}
	return c.JSON(resp.Task)
}

func (s *Server) cancelRun(c *fiber.Ctx) error {
	id := c.Params("id")
	if _, ok := s.engine.Pipeline().Status(id); !ok {
		return engine.NewPermanentError("no run with id "+id, nil).WithCode(engine.ErrCodeNotFound)
	}
	resp, err := s.do(c, service.CommandRequest{Command: engine.CommandCancel, ID: id})
	if err != nil {
		return err
	}
	return c.JSON(resp.Run)
}

func (s *Server) runReport(c *fiber.Ctx) error {
	resp, err := s.do(c, service.CommandRequest{Command: engine.CommandReport, ID: c.Params("id")})
	if err != nil {
		return err
	}
	return c.JSON(resp.Report)
}

func (s *Server) listRuns(c *fiber.Ctx) error {
	runs := s.engine.Pipeline().Runs()
	if runs == nil {
		runs = []engine.PipelineRun{}
	}
	return c.JSON(runs)
}

func (s *Server) startRun(c *fiber.Ctx) error {
	var body RunRequest
	if err := parseBody(c, &body); err != nil {
		return err
	}
	resp, err := s.do(c, service.CommandRequest{
		Command:     engine.CommandRun,
		Request:     body.Request,
		Description: body.Description,
		Async:       body.Async,
	})
	if err != nil {
		return err
	}
	if body.Async {
		return c.Status(fiber.StatusAccepted).JSON(resp.Run)
	}
	return c.JSON(resp.Run)
}

func (s *Server) getRun(c *fiber.Ctx) error {
	resp, err := s.do(c, service.CommandRequest{Command: engine.CommandStatus, ID: c.Params("id")})
	if err != nil {
		return err
	}
	if resp.Run == nil {
		return engine.NewPermanentError("no run with id "+c.Params("id"), nil).WithCode(engine.ErrCodeNotFound)
	}
	return c.JSON(resp.Run)
}

func (s *Server) stats(c *fiber.Ctx) error {
	resp, err := s.do(c, service.CommandRequest{Command: engine.CommandStats})
	if err != nil {
		return err
	}
	return c.JSON(resp.Stats)
}

func (s *Server) approaches(c *fiber.Ctx) error {
	resp, err := s.do(c, service.CommandRequest{Command: engine.CommandApproaches})
	if err != nil {
		return err
	}
	return c.JSON(resp.Approaches)
}

func (s *Server) clearCache(c *fiber.Ctx) error {
	resp, err := s.do(c, service.CommandRequest{Command: engine.CommandCacheClear})
	if err != nil {
		return err
	}
	return c.JSON(resp.Cache)
}
