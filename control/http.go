package control

import (
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/types"
	"github.com/saiset-co/sai-offline/utils"
)

// HTTPHandler serves POST requests whose body is one control message. Command
// failures are reported in the reply body with status 200; only transport
// level problems change the status code.
func HTTPHandler(ch *Channel, logger types.Logger) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if !ctx.IsPost() {
			ctx.Response.Header.Set("Allow", fasthttp.MethodPost)
			ctx.Error("method not allowed", fasthttp.StatusMethodNotAllowed)
			return
		}

		var msg types.ControlMessage
		if err := utils.Unmarshal(ctx.PostBody(), &msg); err != nil {
			writeReply(ctx, logger, fasthttp.StatusBadRequest,
				failure("", types.Errorf(types.ErrCommandPayload, "%v", err)))
			return
		}

		reply, err := ch.Send(ctx, &msg)
		if err != nil {
			writeReply(ctx, logger, fasthttp.StatusServiceUnavailable, failure(msg.ID, err))
			return
		}

		writeReply(ctx, logger, fasthttp.StatusOK, reply)
	}
}

func writeReply(ctx *fasthttp.RequestCtx, logger types.Logger, status int, reply *types.ControlReply) {
	data, err := utils.Marshal(reply)
	if err != nil {
		logger.Error("Failed to encode control reply", zap.Error(err))
		ctx.Error(err.Error(), fasthttp.StatusInternalServerError)
		return
	}

	ctx.SetContentType("application/json")
	ctx.SetStatusCode(status)
	ctx.SetBody(data)
}
