package api

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"

	"nnvisual/internal/model"
)

type pixelRequest struct {
	Pixels       []float64          `json:"pixels"`
	Architecture model.Architecture `json:"model_type,omitempty"`
}

type nameRequest struct {
	Name string `json:"name"`
}

type switchRequest struct {
	Architecture model.Architecture `json:"model_type"`
}

func decodeBody(c *fiber.Ctx, dst any) error {
	if err := json.Unmarshal(c.Body(), dst); err != nil {
		return fmt.Errorf("%w: %v", model.ErrInvalidInput, err)
	}
	return nil
}

func architectureQuery(c *fiber.Ctx) model.Architecture {
	return model.Architecture(strings.ToLower(c.Query("model_type")))
}

func (s *Server) root(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok", "model_loaded": s.svc.Inference().ActiveModel() != ""})
}

func (s *Server) health(c *fiber.Ctx) error {
	return c.JSON(s.svc.Health())
}

func (s *Server) samples(c *fiber.Ctx) error {
	return c.JSON(s.svc.Samples(c.UserContext()))
}

func (s *Server) predict(c *fiber.Ctx) error {
	var req pixelRequest
	if err := decodeBody(c, &req); err != nil {
		return err
	}
	pred, err := s.svc.Inference().Predict(req.Pixels, req.Architecture)
	if err != nil {
		return err
	}
	return c.JSON(pred)
}

func (s *Server) state(c *fiber.Ctx) error {
	var req pixelRequest
	if err := decodeBody(c, &req); err != nil {
		return err
	}
	state, err := s.svc.Inference().State(req.Pixels, req.Architecture)
	if err != nil {
		return err
	}
	return c.JSON(state)
}

func (s *Server) weights(c *fiber.Ctx) error {
	weights, err := s.svc.Inference().Weights(architectureQuery(c))
	if err != nil {
		return err
	}
	return c.JSON(weights)
}

func (s *Server) modelInfo(c *fiber.Ctx) error {
	info, err := s.svc.Inference().ModelInfo(architectureQuery(c))
	if err != nil {
		return err
	}
	return c.JSON(info)
}

func (s *Server) switchModel(c *fiber.Ctx) error {
	var req switchRequest
	if err := decodeBody(c, &req); err != nil {
		return err
	}
	if err := s.svc.Inference().SetActiveModel(req.Architecture); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"active_model": req.Architecture})
}

func (s *Server) availableModels(c *fiber.Ctx) error {
	ie := s.svc.Inference()
	return c.JSON(fiber.Map{"models": ie.AvailableModels(), "active_model": ie.ActiveModel()})
}

func (s *Server) listModels(c *fiber.Ctx) error {
	models, err := s.svc.ListModels(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"models": models})
}

func (s *Server) saveModel(c *fiber.Ctx) error {
	var req nameRequest
	if err := decodeBody(c, &req); err != nil {
		return err
	}
	record, err := s.svc.SaveModel(c.UserContext(), req.Name)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"saved": true, "path": record.Path, "model": record})
}

func (s *Server) loadModel(c *fiber.Ctx) error {
	var req nameRequest
	if err := decodeBody(c, &req); err != nil {
		return err
	}
	record, err := s.svc.LoadModel(c.UserContext(), req.Name)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"loaded": true, "name": record.Name, "model_type": record.Architecture})
}

func (s *Server) deleteModel(c *fiber.Ctx) error {
	name := c.Params("name")
	if err := s.svc.DeleteModel(c.UserContext(), name); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"deleted": true, "name": name})
}

func (s *Server) trainingStatus(c *fiber.Ctx) error {
	return c.JSON(s.svc.Controller().Status())
}

func (s *Server) trainingHistory(c *fiber.Ctx) error {
	return c.JSON(nonNil(s.svc.Controller().History()))
}

func (s *Server) epochHistory(c *fiber.Ctx) error {
	return c.JSON(nonNil(s.svc.Controller().EpochHistory()))
}

func (s *Server) trainingConfig(c *fiber.Ctx) error {
	return c.JSON(s.svc.Controller().Config())
}

func (s *Server) configureTraining(c *fiber.Ctx) error {
	cfg, err := s.svc.Controller().ConfigureJSON(c.Body())
	if err != nil {
		return err
	}
	return c.JSON(cfg)
}

func (s *Server) runs(c *fiber.Ctx) error {
	runs, err := s.svc.Runs()
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"runs": runs})
}

func (s *Server) runEpochs(c *fiber.Ctx) error {
	epochs, err := s.svc.RunEpochs(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(epochs)
}

func (s *Server) runDetail(c *fiber.Ctx) error {
	detail, err := s.svc.RunDetail(c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(detail)
}

func (s *Server) exportRun(c *fiber.Ctx) error {
	path, err := s.svc.ExportRun(c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"exported": true, "run_id": c.Params("id"), "path": path})
}

// trainingCommand mirrors the websocket commands for plain HTTP clients.
func (s *Server) trainingCommand(c *fiber.Ctx) error {
	command := c.Params("command")
	if _, ok := commands[command]; !ok {
		return fiber.NewError(fiber.StatusNotFound, "Unknown command: "+command)
	}
	switch command {
	case "get_status":
		return c.JSON(s.svc.Controller().Status())
	case "configure":
		cfg, err := s.svc.Controller().ConfigureJSON(c.Body())
		if err != nil {
			return err
		}
		return c.JSON(cfg)
	}
	if err := s.runCommand(command); err != nil {
		return err
	}
	return c.JSON(s.svc.Controller().Status())
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
