package services

import (
	"challenge-escrow-system/models"

	"github.com/gofiber/fiber/v2"
)

// Introspection routes over the ledger and the oracle, used by the UI to
// show "in play" amounts next to wallet balances.

func (l *CommitmentLedger) GetReserved(c *fiber.Ctx) error {
	account := c.Params("account")
	asset := models.AssetType(c.Query("asset", string(models.AssetNative)))
	if asset != models.AssetNative && asset != models.AssetToken {
		return c.Status(400).JSON(fiber.Map{"error": "asset must be 'native' or 'token'"})
	}

	reserved, err := l.CurrentReserved(c.Context(), account, asset)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"account":    account,
		"asset_type": asset,
		"reserved":   reserved,
	})
}

func (l *CommitmentLedger) GetCommitments(c *fiber.Ctx) error {
	entries, err := l.EntriesFor(c.Context(), c.Params("account"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(entries)
}

func (o *BalanceOracle) GetBalance(c *fiber.Ctx) error {
	account := c.Params("account")
	asset := models.AssetType(c.Query("asset", string(models.AssetNative)))
	if asset != models.AssetNative && asset != models.AssetToken {
		return c.Status(400).JSON(fiber.Map{"error": "asset must be 'native' or 'token'"})
	}

	available, err := o.AvailableBalance(c.Context(), account, asset)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"account":    account,
		"asset_type": asset,
		"available":  available,
	})
}
