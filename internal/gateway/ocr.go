package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/ocrgate/pkg/broker"
	"github.com/nao1215/ocrgate/pkg/message"
	"github.com/nao1215/ocrgate/pkg/middleware"
	"github.com/nao1215/ocrgate/pkg/rpc"
	log "github.com/sirupsen/logrus"
)

// handleOCR はアップロードされたファイルをOCRワーカーに送り、応答をそのまま返すハンドラを返す。
// トークンの検証は middleware.Auth で完了している。
func (s *Server) handleOCR() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := middleware.GetClaims(c)
		if claims == nil {
			c.JSON(http.StatusUnauthorized, gin.H{"detail": "Invalid token"})
			return
		}

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.maxUploadBytes)
		fileHeader, err := c.FormFile("file")
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"detail": "ファイルサイズが上限を超えています"})
				return
			}
			c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": "fileフィールドが必要です"})
			return
		}

		f, err := fileHeader.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "ファイルを開けません"})
			return
		}
		defer f.Close()

		data, err := io.ReadAll(f)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "ファイルの読み込みに失敗しました"})
			return
		}

		req := message.NewOCRRequest(claims.ID, claims.Name, claims.Email, data)
		logger := log.WithFields(log.Fields{
			"userID":   claims.ID,
			"filename": fileHeader.Filename,
			"size":     len(data),
		})

		var raw json.RawMessage
		if err := s.ocr.CallJSON(c.Request.Context(), req, &raw); err != nil {
			status, detail := ocrErrorStatus(err)
			logger.WithError(err).Warn("OCRワーカーの呼び出しに失敗しました")
			c.JSON(status, gin.H{"detail": detail})
			return
		}

		reply, err := message.Decode[message.OCRReply](raw)
		if err == nil {
			err = reply.Validate()
		}
		if err != nil {
			logger.WithError(err).Error("OCRワーカーの応答が不正です")
			c.JSON(http.StatusInternalServerError, gin.H{"detail": "OCR service returned a malformed reply"})
			return
		}

		c.Data(http.StatusOK, "application/json", raw)
	}
}

// ocrErrorStatus はOCR呼び出しのエラーをHTTPステータスとメッセージに変換する。
func ocrErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, rpc.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "OCR service did not respond in time"
	case errors.Is(err, broker.ErrBrokerUnavailable), errors.Is(err, rpc.ErrClosed):
		return http.StatusServiceUnavailable, "OCR service is unavailable"
	case errors.Is(err, rpc.ErrMalformedReply):
		return http.StatusInternalServerError, "OCR service returned a malformed reply"
	default:
		return http.StatusInternalServerError, "OCR request failed"
	}
}
