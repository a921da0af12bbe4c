package rest

import (
	"github.com/bytedance/sonic"
	"github.com/gofiber/fiber/v2"

	"yqhp/proofsearch/pkg/types"
	"yqhp/proofsearch/pkg/utils"
)

// proxyModel handles ANY /v1/* and routes by the body's model field.
func (s *Server) proxyModel(c *fiber.Ctx) error {
	body := c.Body()
	if len(body) == 0 {
		return badRequest(c, "Request body must include a 'model' field.")
	}
	if !sonic.Valid(body) {
		return badRequest(c, "Invalid JSON body.")
	}
	node, err := sonic.Get(body, "model")
	if err != nil {
		return badRequest(c, "Request body must include a 'model' field.")
	}
	model, err := node.String()
	if err != nil || model == "" {
		return badRequest(c, "Request body must include a 'model' field.")
	}

	return s.forward(c, newRequest(c, model, "/v1/"+c.Params("*")))
}

// ModelRewriter replaces the friendly model name in an OpenAI-style payload
// with the model path the worker announced. Other payloads pass through.
func ModelRewriter(worker *types.Worker, payload []byte) ([]byte, error) {
	if worker.Path == "" || worker.Class != types.WorkerClassModelServer {
		return payload, nil
	}
	model, ok := utils.GetString(payload, "model")
	if !ok || model != worker.Tag {
		return payload, nil
	}
	return utils.SetField(payload, "model", worker.Path)
}
