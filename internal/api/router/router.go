package router

import (
	"ats-pipeline-go/internal/api/handler"
	"ats-pipeline-go/internal/config"
	"ats-pipeline-go/internal/storage"
	"context"
	"errors"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/hertz-contrib/keyauth"
)

// RegisterRoutes 注册API路由
// 业务接口走X-API-Key鉴权，健康检查保持开放
func RegisterRoutes(h *server.Hertz, cfg *config.Config, candidateHandler *handler.CandidateHandler) {
	h.GET("/health", func(c context.Context, ctx *app.RequestContext) {
		ctx.JSON(consts.StatusOK, utils.H{"status": "ok"})
	})

	api := h.Group("/api/v1")
	if cfg.Server.APIKey != "" {
		api.Use(keyauth.New(
			keyauth.WithKeyLookUp("header:X-API-Key", ""),
			keyauth.WithValidator(func(c context.Context, ctx *app.RequestContext, key string) (bool, error) {
				return key == cfg.Server.APIKey, nil
			}),
		))
	}

	api.POST("/candidates/upload", func(c context.Context, ctx *app.RequestContext) {
		fileHeader, err := ctx.FormFile("file")
		if err != nil {
			ctx.JSON(consts.StatusBadRequest, utils.H{"error": "文件未找到"})
			return
		}

		jobID := ctx.PostForm("job_id")
		uploaderType := ctx.PostForm("uploader_type")
		if uploaderType == "" {
			uploaderType = "HR"
		}
		uploaderID := ctx.PostForm("uploader_id")
		sourceTag := ctx.PostForm("source_tag")
		if sourceTag == "" {
			sourceTag = "web_upload"
		}

		file, err := fileHeader.Open()
		if err != nil {
			ctx.JSON(consts.StatusInternalServerError, utils.H{"error": "打开文件失败"})
			return
		}
		defer file.Close()

		resp, err := candidateHandler.HandleResumeUpload(c, file, fileHeader.Filename, jobID, uploaderType, uploaderID, sourceTag)
		if err != nil {
			ctx.JSON(consts.StatusInternalServerError, utils.H{"error": err.Error()})
			return
		}
		ctx.JSON(consts.StatusOK, resp)
	})

	api.POST("/candidates/:id/reparse", func(c context.Context, ctx *app.RequestContext) {
		candidateID := ctx.Param("id")
		err := candidateHandler.HandleReparse(c, candidateID)
		switch {
		case err == nil:
			ctx.JSON(consts.StatusAccepted, utils.H{"candidate_id": candidateID, "status": "REQUEUED"})
		case errors.Is(err, storage.ErrCandidateNotFound):
			ctx.JSON(consts.StatusNotFound, utils.H{"error": "候选人不存在"})
		case errors.Is(err, storage.ErrCandidateProcessing):
			ctx.JSON(consts.StatusConflict, utils.H{"error": "候选人正在解析中，无法重新入队"})
		case errors.Is(err, handler.ErrReparseBusy):
			ctx.JSON(consts.StatusConflict, utils.H{"error": err.Error()})
		default:
			ctx.JSON(consts.StatusInternalServerError, utils.H{"error": err.Error()})
		}
	})

	api.GET("/candidates/:id/resume-file", func(c context.Context, ctx *app.RequestContext) {
		candidateID := ctx.Param("id")
		resp, err := candidateHandler.HandleResumeDownload(c, candidateID)
		switch {
		case err == nil:
			ctx.JSON(consts.StatusOK, resp)
		case errors.Is(err, storage.ErrCandidateNotFound):
			ctx.JSON(consts.StatusNotFound, utils.H{"error": "候选人不存在"})
		default:
			ctx.JSON(consts.StatusInternalServerError, utils.H{"error": err.Error()})
		}
	})

	api.GET("/candidates/:id/parsing-status", func(c context.Context, ctx *app.RequestContext) {
		candidateID := ctx.Param("id")
		resp, err := candidateHandler.HandleStatusQuery(c, candidateID)
		switch {
		case err == nil:
			ctx.JSON(consts.StatusOK, resp)
		case errors.Is(err, storage.ErrCandidateNotFound):
			ctx.JSON(consts.StatusNotFound, utils.H{"error": "候选人不存在"})
		default:
			ctx.JSON(consts.StatusInternalServerError, utils.H{"error": err.Error()})
		}
	})
}
