package echoapi

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo/core"
	"github.com/trezcool/masomo/core/messaging"
)

type (
	messagingDeps struct {
		svc      messaging.ServiceInterface
		validate *validator.Validate
		logger   core.Logger
		limiter  *sendLimiter
		origin   string // allowed WebSocket origin, besides the API's own
	}

	messagingApi struct {
		messagingDeps
	}
)

func registerMessagingAPI(g *echo.Group, jwt, wsJWT echo.MiddlewareFunc, deps messagingDeps) {
	api := messagingApi{messagingDeps: deps}

	cg := g.Group("/conversations")
	cg.GET("/:id/live", api.live, wsJWT, identityMiddleware())

	ag := cg.Group("", jwt, identityMiddleware())
	ag.GET("", api.conversations)
	ag.POST("", api.resolve)
	ag.GET("/:id/messages", api.messages)
	ag.POST("/:id/messages", api.send, rateLimitMiddleware(api.limiter))

	g.DELETE("/messages/:id", api.delete, jwt, identityMiddleware())
}

// Handlers

func (api *messagingApi) conversations(ctx echo.Context) error {
	me, err := getContextProfile(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context profile")
	}
	list, err := api.svc.Conversations(ctx.Request().Context(), me.ID)
	if err != nil {
		return errors.Wrap(err, "listing conversations")
	}
	return ctx.JSON(http.StatusOK, list)
}

// resolve finds or creates a conversation: 201 when created, 200 when an existing one is returned.
func (api *messagingApi) resolve(ctx echo.Context) error {
	me, err := getContextProfile(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context profile")
	}

	var data messaging.NewConversation
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewConversation")
	}
	data.Clean()
	if err = api.validate.Struct(data); err != nil {
		return err
	}

	res, err := api.svc.Resolve(ctx.Request().Context(), me.ID, data)
	if err != nil {
		return errors.Wrap(err, "resolving conversation")
	}
	code := http.StatusOK
	if res.Created {
		code = http.StatusCreated
	}
	return ctx.JSON(code, ConversationResponse{Conversation: res.Conversation, Created: res.Created})
}

func (api *messagingApi) messages(ctx echo.Context) error {
	me, err := getContextProfile(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context profile")
	}
	msgs, err := api.svc.Messages(ctx.Request().Context(), ctx.Param("id"), me.ID)
	if err != nil {
		return errors.Wrap(err, "listing messages")
	}
	return ctx.JSON(http.StatusOK, msgs)
}

func (api *messagingApi) send(ctx echo.Context) error {
	me, err := getContextProfile(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context profile")
	}

	var data SendRequest
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to SendRequest")
	}

	msg, err := api.svc.Send(ctx.Request().Context(), ctx.Param("id"), me.ID, data.Content)
	if err != nil {
		return errors.Wrap(err, "sending message")
	}
	return ctx.JSON(http.StatusCreated, msg)
}

func (api *messagingApi) delete(ctx echo.Context) error {
	me, err := getContextProfile(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context profile")
	}
	msg, err := api.svc.Delete(ctx.Request().Context(), ctx.Param("id"), me.ID)
	if err != nil {
		return errors.Wrap(err, "deleting message")
	}
	return ctx.JSON(http.StatusOK, msg)
}

type (
	ConversationResponse struct {
		messaging.Conversation
		Created bool `json:"created"`
	}

	SendRequest struct {
		Content string `json:"content"`
	}
)
