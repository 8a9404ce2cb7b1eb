package services

import (
	"strconv"

	"challenge-escrow-system/models"

	"github.com/gofiber/fiber/v2"
)

// HTTP surface for the challenge state machine. Parsing and status mapping
// live here; the lifecycle rules live in challenge_service.go.

func (s *ChallengeService) CreateChallenge(c *fiber.Ctx) error {
	type Req struct {
		Creator   string `json:"creator"`
		Opponent  string `json:"opponent"`
		Amount    int64  `json:"amount"`
		AssetType string `json:"asset_type"`
	}
	var req Req
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid JSON", "details": err.Error()})
	}
	if req.Creator == "" || req.Opponent == "" {
		return c.Status(400).JSON(fiber.Map{"error": "creator and opponent are required"})
	}
	asset := models.AssetType(req.AssetType)
	if asset != models.AssetNative && asset != models.AssetToken {
		return c.Status(400).JSON(fiber.Map{"error": "asset_type must be 'native' or 'token'"})
	}
	if req.Amount <= 0 {
		return c.Status(400).JSON(fiber.Map{"error": "amount must be a positive integer"})
	}

	ch, err := s.Create(c.Context(), req.Creator, req.Opponent, req.Amount, asset)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(201).JSON(ch)
}

func (s *ChallengeService) GetChallenge(c *fiber.Ctx) error {
	ch, err := s.Get(c.Context(), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(ch)
}

func (s *ChallengeService) ListChallenges(c *fiber.Ctx) error {
	account := c.Query("account")
	var status *models.ChallengeStatus
	if raw := c.Query("status"); raw != "" {
		code, err := strconv.Atoi(raw)
		if err != nil {
			return c.Status(400).JSON(fiber.Map{"error": "status must be a numeric code"})
		}
		st := models.ChallengeStatus(code)
		status = &st
	}

	challenges, err := s.List(c.Context(), account, status)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(challenges)
}

func (s *ChallengeService) GetChallengeTransitions(c *fiber.Ctx) error {
	rows, err := s.Transitions(c.Context(), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(rows)
}

// actorReq covers the one-field action bodies (accept, reject, cancel,
// confirm, dispute, mutual cancel).
type actorReq struct {
	Account string `json:"account"`
}

func parseActor(c *fiber.Ctx) (string, error) {
	var req actorReq
	if err := c.BodyParser(&req); err != nil {
		return "", c.Status(400).JSON(fiber.Map{"error": "invalid JSON", "details": err.Error()})
	}
	if req.Account == "" {
		return "", c.Status(400).JSON(fiber.Map{"error": "account is required"})
	}
	return req.Account, nil
}

func (s *ChallengeService) AcceptChallenge(c *fiber.Ctx) error {
	actor, err := parseActor(c)
	if actor == "" {
		return err
	}
	ch, err := s.Accept(c.Context(), c.Params("id"), actor)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(ch)
}

func (s *ChallengeService) RejectChallenge(c *fiber.Ctx) error {
	actor, err := parseActor(c)
	if actor == "" {
		return err
	}
	ch, err := s.Reject(c.Context(), c.Params("id"), actor)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(ch)
}

func (s *ChallengeService) CancelChallenge(c *fiber.Ctx) error {
	actor, err := parseActor(c)
	if actor == "" {
		return err
	}
	ch, err := s.Cancel(c.Context(), c.Params("id"), actor)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(ch)
}

func (s *ChallengeService) ReportChallengeScore(c *fiber.Ctx) error {
	type Req struct {
		Account       string `json:"account"`
		ScoreCreator  *int64 `json:"score_creator"`
		ScoreOpponent *int64 `json:"score_opponent"`
	}
	var req Req
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid JSON", "details": err.Error()})
	}
	if req.Account == "" || req.ScoreCreator == nil || req.ScoreOpponent == nil {
		return c.Status(400).JSON(fiber.Map{"error": "account, score_creator and score_opponent are required"})
	}
	if *req.ScoreCreator == *req.ScoreOpponent {
		return c.Status(400).JSON(fiber.Map{"error": "scores must differ, ties are not supported"})
	}

	ch, err := s.ReportScore(c.Context(), c.Params("id"), req.Account, *req.ScoreCreator, *req.ScoreOpponent)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(ch)
}

func (s *ChallengeService) ConfirmChallenge(c *fiber.Ctx) error {
	actor, err := parseActor(c)
	if actor == "" {
		return err
	}
	ch, err := s.Confirm(c.Context(), c.Params("id"), actor)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(ch)
}

func (s *ChallengeService) DisputeChallenge(c *fiber.Ctx) error {
	actor, err := parseActor(c)
	if actor == "" {
		return err
	}
	ch, err := s.Dispute(c.Context(), c.Params("id"), actor)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(ch)
}

func (s *ChallengeService) MutualCancelChallenge(c *fiber.Ctx) error {
	actor, err := parseActor(c)
	if actor == "" {
		return err
	}
	ch, err := s.RequestMutualCancel(c.Context(), c.Params("id"), actor)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(ch)
}

// ResolveChallengeDispute is the moderator surface: rule a winner or dissolve
// the wager.
func (s *ChallengeService) ResolveChallengeDispute(c *fiber.Ctx) error {
	type Req struct {
		Moderator    string `json:"moderator"`
		Winner       string `json:"winner,omitempty"`
		MutualCancel bool   `json:"mutual_cancel"`
	}
	var req Req
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid JSON", "details": err.Error()})
	}
	if req.Moderator == "" {
		return c.Status(400).JSON(fiber.Map{"error": "moderator is required"})
	}
	if !req.MutualCancel && req.Winner == "" {
		return c.Status(400).JSON(fiber.Map{"error": "either winner or mutual_cancel must be given"})
	}

	ch, err := s.ResolveDispute(c.Context(), c.Params("id"), req.Moderator, req.Winner, req.MutualCancel)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(ch)
}
