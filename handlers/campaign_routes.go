// handlers/campaign_routes.go
package handlers

import (
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/orykevin/chef-pathbound/middleware"
	"github.com/orykevin/chef-pathbound/models"
	"github.com/orykevin/chef-pathbound/services"
)

type joinRequest struct {
	DisplayName string `json:"display_name"`
}

type voteRequest struct {
	OptionID int `json:"option_id"`
}

type generateRequest struct {
	Theme      []string          `json:"theme"`
	Difficulty models.Difficulty `json:"difficulty"`
}

func SetupCampaignRoutes(app *fiber.App, svc *services.CampaignService, log zerolog.Logger) {
	log = log.With().Str("component", "http").Logger()
	user := middleware.UserContextMiddleware(log)

	// 🔓 Public reads (still behind gateway auth)
	app.Get("/campaigns", func(c *fiber.Ctx) error {
		var finished *bool
		if raw := c.Query("finished"); raw != "" {
			v, err := strconv.ParseBool(raw)
			if err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "finished must be true or false"})
			}
			finished = &v
		}
		campaigns, err := svc.ListCampaigns(c.UserContext(), finished)
		if err != nil {
			return writeError(c, log, err)
		}
		return c.JSON(fiber.Map{"campaigns": campaigns})
	})

	app.Get("/campaigns/:id", func(c *fiber.Ctx) error {
		view, err := svc.GetCampaign(c.UserContext(), c.Params("id"))
		if err != nil {
			return writeError(c, log, err)
		}
		return c.JSON(view)
	})

	app.Get("/campaigns/:id/steps", func(c *fiber.Ctx) error {
		steps, err := svc.ListSteps(c.UserContext(), c.Params("id"))
		if err != nil {
			return writeError(c, log, err)
		}
		return c.JSON(fiber.Map{"steps": steps})
	})

	app.Get("/campaigns/:id/members", func(c *fiber.Ctx) error {
		members, err := svc.ListMembers(c.UserContext(), c.Params("id"))
		if err != nil {
			return writeError(c, log, err)
		}
		return c.JSON(fiber.Map{"members": members})
	})

	app.Get("/campaigns/:id/stream", func(c *fiber.Ctx) error {
		if err := svc.StreamCampaignSSE(c); err != nil {
			return writeError(c, log, err)
		}
		return nil
	})

	app.Get("/steps/:id/votes", func(c *fiber.Ctx) error {
		counts, err := svc.StepVoteCounts(c.UserContext(), c.Params("id"))
		if err != nil {
			return writeError(c, log, err)
		}
		return c.JSON(fiber.Map{"step_id": c.Params("id"), "options": counts})
	})

	// 🔐 Player routes
	app.Post("/campaigns/:id/join", user, func(c *fiber.Ctx) error {
		var req joinRequest
		if len(c.Body()) > 0 {
			if err := c.BodyParser(&req); err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
			}
		}
		name := req.DisplayName
		if name == "" {
			name = middleware.UserName(c)
		}
		member, err := svc.JoinCampaign(c.UserContext(), c.Params("id"), middleware.UserID(c), name)
		if err != nil {
			return writeError(c, log, err)
		}
		return c.Status(fiber.StatusCreated).JSON(member)
	})

	app.Post("/steps/:id/votes", user, func(c *fiber.Ctx) error {
		var req voteRequest
		if err := c.BodyParser(&req); err != nil || req.OptionID == 0 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "option_id is required"})
		}
		vote, err := svc.CastVote(c.UserContext(), c.Params("id"), middleware.UserID(c), req.OptionID)
		if err != nil {
			return writeError(c, log, err)
		}
		return c.Status(fiber.StatusCreated).JSON(vote)
	})

	app.Get("/users/me/campaigns", user, func(c *fiber.Ctx) error {
		memberships, err := svc.UserCampaigns(c.UserContext(), middleware.UserID(c))
		if err != nil {
			return writeError(c, log, err)
		}
		return c.JSON(fiber.Map{"campaigns": memberships})
	})

	app.Get("/users/me/stats", user, func(c *fiber.Ctx) error {
		stats, err := svc.GetUserStats(c.UserContext(), middleware.UserID(c))
		if err != nil {
			return writeError(c, log, err)
		}
		return c.JSON(stats)
	})

	// 🛠️ Operator routes
	admin := app.Group("/admin", user, middleware.RequireRole(middleware.RoleAdmin))

	admin.Post("/campaigns/generate", func(c *fiber.Ctx) error {
		var req generateRequest
		if len(c.Body()) > 0 {
			if err := c.BodyParser(&req); err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
			}
		}
		req.Difficulty = models.Difficulty(strings.ToLower(string(req.Difficulty)))
		if req.Difficulty != "" {
			if _, err := models.TargetFor(req.Difficulty); err != nil {
				return writeError(c, log, err)
			}
		}
		campaign, err := svc.GenerateCampaign(c.UserContext(), models.OpeningRequest{
			Theme:      services.NormalizeTheme(req.Theme),
			Difficulty: req.Difficulty,
		})
		if err != nil {
			return writeError(c, log, err)
		}
		return c.Status(fiber.StatusCreated).JSON(campaign)
	})

	admin.Post("/steps/:id/resolve", func(c *fiber.Ctx) error {
		res, err := svc.ResolveStep(c.UserContext(), c.Params("id"))
		if err != nil {
			return writeError(c, log, err)
		}
		return c.JSON(fiber.Map{
			"step_id":   res.StepID,
			"outcome":   res.Outcome,
			"option_id": res.Winner.ID,
			"count":     res.Count,
			"score":     res.Score,
			"verdict":   res.Verdict.String(),
		})
	})

	admin.Post("/campaigns/:id/resume", func(c *fiber.Ctx) error {
		task, err := svc.ResumeCampaign(c.UserContext(), c.Params("id"))
		if err != nil {
			return writeError(c, log, err)
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"scheduled": task})
	})
}
