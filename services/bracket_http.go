package services

import (
	"challenge-escrow-system/models"

	"github.com/gofiber/fiber/v2"
)

// HTTP surface for the bracket engine.

func (s *BracketService) CreateTournament(c *fiber.Ctx) error {
	type Req struct {
		Name            string `json:"name"`
		AssetType       string `json:"asset_type"`
		EntryFee        int64  `json:"entry_fee"`
		MaxParticipants int    `json:"max_participants"`
		FirstPct        int    `json:"first_pct"`
		SecondPct       int    `json:"second_pct"`
		ThirdPct        int    `json:"third_pct"`
	}
	var req Req
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid JSON", "details": err.Error()})
	}
	asset := models.AssetType(req.AssetType)
	if asset != models.AssetNative && asset != models.AssetToken {
		return c.Status(400).JSON(fiber.Map{"error": "asset_type must be 'native' or 'token'"})
	}
	split := PrizeSplit{FirstPct: req.FirstPct, SecondPct: req.SecondPct, ThirdPct: req.ThirdPct}
	if req.FirstPct == 0 && req.SecondPct == 0 && req.ThirdPct == 0 {
		split = PrizeSplit{FirstPct: 100}
	}

	b, err := s.CreateBracket(c.Context(), req.Name, asset, req.EntryFee, req.MaxParticipants, split)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(201).JSON(b)
}

func (s *BracketService) GetTournament(c *fiber.Ctx) error {
	b, err := s.Get(c.Context(), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(b)
}

func (s *BracketService) ListTournaments(c *fiber.Ctx) error {
	brackets, err := s.List(c.Context())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(brackets)
}

func (s *BracketService) RegisterParticipant(c *fiber.Ctx) error {
	actor, err := parseActor(c)
	if actor == "" {
		return err
	}
	p, err := s.Register(c.Context(), c.Params("id"), actor)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(201).JSON(p)
}

func (s *BracketService) WithdrawParticipant(c *fiber.Ctx) error {
	actor, err := parseActor(c)
	if actor == "" {
		return err
	}
	if err := s.Withdraw(c.Context(), c.Params("id"), actor); err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"message": "withdrawn"})
}

func (s *BracketService) StartTournament(c *fiber.Ctx) error {
	b, err := s.Start(c.Context(), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(b)
}

func (s *BracketService) CancelTournament(c *fiber.Ctx) error {
	if err := s.CancelBracket(c.Context(), c.Params("id")); err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"message": "cancelled"})
}

func (s *BracketService) ReportMatch(c *fiber.Ctx) error {
	type Req struct {
		ScoreA *int64 `json:"score_a"`
		ScoreB *int64 `json:"score_b"`
	}
	var req Req
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid JSON", "details": err.Error()})
	}
	if req.ScoreA == nil || req.ScoreB == nil {
		return c.Status(400).JSON(fiber.Map{"error": "score_a and score_b are required"})
	}
	if *req.ScoreA == *req.ScoreB {
		return c.Status(400).JSON(fiber.Map{"error": "scores must differ, ties are not supported"})
	}

	m, err := s.ReportMatchResult(c.Context(), c.Params("id"), *req.ScoreA, *req.ScoreB)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(m)
}
