package relay

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/matheus3301/duochat/internal/domain"
	"github.com/matheus3301/duochat/internal/transport"
	"go.uber.org/zap"
)

const maxUpload = 16 << 20

// Publisher pushes frames to the broker. *Router satisfies it.
type Publisher interface {
	Publish(destination string, body []byte) error
}

// NewServer returns the REST application backed by h. Delete notices are
// pushed through pub.
func NewServer(h *History, pub Publisher, logger *zap.Logger) *fiber.App {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := fiber.New(fiber.Config{
		AppName:               "duochat-relay",
		ReadTimeout:           15 * time.Second,
		WriteTimeout:          15 * time.Second,
		BodyLimit:             maxUpload + 1<<20,
		DisableStartupMessage: true,
	})
	app.Use(requestLogger(logger))

	hd := &handlers{history: h, pub: pub, logger: logger}
	app.Post("/api/auth/login", hd.login)
	app.Get("/files/:key", hd.download)

	api := app.Group("/api", hd.authenticate)
	api.Get("/users", hd.users)
	api.Get("/users/search", hd.search)
	api.Get("/users/conversations/:id", hd.partners)
	api.Get("/messages/history/:a/:b", hd.messageHistory)
	api.Delete("/messages/history/:a/:b", hd.clear)
	api.Delete("/messages/:id", hd.deleteMessage)
	api.Post("/files/upload", hd.upload)
	return app
}

func requestLogger(logger *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		logger.Debug("http request",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", c.Response().StatusCode()),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return err
	}
}

type handlers struct {
	history *History
	pub     Publisher
	logger  *zap.Logger
}

func (h *handlers) authenticate(c *fiber.Ctx) error {
	hdr := c.Get(fiber.HeaderAuthorization)
	const pref = "Bearer "
	if !strings.HasPrefix(hdr, pref) {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing auth"})
	}
	id, ok := h.history.Authenticate(strings.TrimPrefix(hdr, pref))
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid token"})
	}
	c.Locals("user_id", id)
	return c.Next()
}

func (h *handlers) login(c *fiber.Ctx) error {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid body"})
	}
	name := strings.TrimSpace(req.Username)
	if name == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "username required"})
	}
	token, id := h.history.Login(name)
	h.logger.Info("user logged in", zap.String("username", name), zap.Int64("user_id", int64(id)))
	return c.JSON(fiber.Map{"token": token, "userId": int64(id)})
}

func (h *handlers) users(c *fiber.Ctx) error {
	return c.JSON(h.history.Users())
}

func (h *handlers) search(c *fiber.Ctx) error {
	return c.JSON(h.history.Search(c.Query("query")))
}

func (h *handlers) partners(c *fiber.Ctx) error {
	id, err := userParam(c, "id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(h.history.Partners(id))
}

func (h *handlers) messageHistory(c *fiber.Ctx) error {
	a, b, err := pairParams(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	msgs := h.history.Between(a, b)
	out := make([]json.RawMessage, 0, len(msgs))
	for _, m := range msgs {
		raw, err := domain.EncodeMessage(m)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
		}
		out = append(out, raw)
	}
	return c.JSON(out)
}

func (h *handlers) clear(c *fiber.Ctx) error {
	a, b, err := pairParams(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	n := h.history.Clear(a, b)
	h.logger.Info("conversation cleared", zap.Int64("a", int64(a)), zap.Int64("b", int64(b)), zap.Int("removed", n))
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *handlers) deleteMessage(c *fiber.Ctx) error {
	raw, err := c.ParamsInt("id")
	if err != nil || raw <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "error": "invalid message id"})
	}
	id := domain.MessageID(raw)
	if !h.history.Delete(id) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"success": false, "error": "message not found"})
	}
	if h.pub != nil {
		body, _ := domain.EncodeDelete(domain.DeleteNotice{MessageID: id})
		if err := h.pub.Publish(transport.TopicDelete, body); err != nil {
			h.logger.Warn("failed to broadcast delete", zap.Int64("message_id", int64(id)), zap.Error(err))
		}
	}
	return c.JSON(fiber.Map{"success": true})
}

func (h *handlers) upload(c *fiber.Ctx) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "file is required"})
	}
	if fh.Size > maxUpload {
		return c.Status(fiber.StatusRequestEntityTooLarge).JSON(fiber.Map{"error": "file too large"})
	}
	f, err := fh.Open()
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cannot open file"})
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cannot read file"})
	}
	key := h.history.StoreFile(fh.Filename, data)
	return c.SendString(c.BaseURL() + "/files/" + key)
}

func (h *handlers) download(c *fiber.Ctx) error {
	name, data, ok := h.history.File(c.Params("key"))
	if !ok {
		return c.SendStatus(fiber.StatusNotFound)
	}
	c.Set(fiber.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", name))
	c.Set(fiber.HeaderContentType, fiber.MIMEOctetStream)
	return c.Send(data)
}

func userParam(c *fiber.Ctx, key string) (domain.UserID, error) {
	n, err := c.ParamsInt(key)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid user id %q", c.Params(key))
	}
	return domain.UserID(n), nil
}

func pairParams(c *fiber.Ctx) (domain.UserID, domain.UserID, error) {
	a, err := userParam(c, "a")
	if err != nil {
		return 0, 0, err
	}
	b, err := userParam(c, "b")
	if err != nil {
		return 0, 0, err
	}
	return a, b, nil
}
