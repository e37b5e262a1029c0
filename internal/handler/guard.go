package handler

import (
	"bytes"
	"encoding/json"
	"io"

	"creditservice/internal/service"
	"creditservice/pkg/response"

	"github.com/gin-gonic/gin"
)

// RequireCredits 付费接口的积分前置检查中间件
//
// 余额不足时直接拦截，业务 handler 不会执行，也不会写任何流水；
// 真正的扣减由 handler 里的 Consume 在事务内完成（含二次余额复核），
// 这里的检查只是让用户在业务动作发生前就拿到明确的"积分不足"提示
func RequireCredits(creditSvc *service.CreditService, cost int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		// 请求体只能读一次，读完后回填供后续 handler 绑定
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			response.ParamError(c, "读取请求失败")
			c.Abort()
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		var probe struct {
			UserID int64 `json:"user_id"`
		}
		if err := json.Unmarshal(body, &probe); err != nil || probe.UserID == 0 {
			response.ParamError(c, "user_id 参数错误")
			c.Abort()
			return
		}

		balance, err := creditSvc.GetBalance(c.Request.Context(), probe.UserID)
		if err != nil {
			response.ServerError(c, "查询余额失败")
			c.Abort()
			return
		}

		if balance < cost {
			insufficientErr := &service.InsufficientCreditsError{Required: cost, Available: balance}
			response.ErrorWithData(c, response.CodeInsufficientCredits, insufficientErr.Error(), gin.H{
				"required":  cost,
				"available": balance,
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
