package http

import (
	"net/http"

	"github.com/jmehdipour/quota-gateway/internal/codes"
	"github.com/jmehdipour/quota-gateway/internal/http/middleware"
	"github.com/jmehdipour/quota-gateway/internal/model"
	"github.com/jmehdipour/quota-gateway/internal/upstream"
	"github.com/labstack/echo/v4"
)

type analyzeReq struct {
	Domain string `json:"domain"`
}

type analyzeResp struct {
	codes.Response
	Result *upstream.AnalyzeResult `json:"result,omitempty"`
}

// analyzeHandler runs the protected operation. It is only reached after
// admission, and every outcome is accounted by the usage middleware.
func analyzeHandler(analyzer upstream.Analyzer) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req analyzeReq
		if err := c.Bind(&req); err != nil {
			return fail(c, &model.ValidationError{Code: model.ValidationBadRequest, Message: "malformed request body"})
		}

		domain, err := upstream.NormalizeDomain(req.Domain)
		if err != nil {
			return fail(c, err)
		}

		res, err := analyzer.Analyze(c.Request().Context(), upstream.AnalyzeRequest{Domain: domain})
		if err != nil {
			if resp := codes.FromError(err); resp.Code == codes.UpstreamUnavailable {
				c.Logger().Errorf("analyze %s: %v", domain, err)
			}
			return fail(c, err)
		}

		return c.JSON(http.StatusOK, analyzeResp{Response: codes.Success("ok"), Result: &res})
	}
}

// fail writes the coded response for err and notes it on the usage record.
func fail(c echo.Context, err error) error {
	middleware.SetOutcomeError(c, err.Error())
	return middleware.WriteResponse(c, codes.FromError(err))
}
