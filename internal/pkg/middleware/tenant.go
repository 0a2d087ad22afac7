package middleware

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
)

const keyTenantID = "TENANT_ID"

// TenantMiddleware resolves the :tenantID route parameter. Every billing
// query downstream is scoped by it.
func TenantMiddleware(c *fiber.Ctx) error {
	id, err := strconv.ParseUint(c.Params("tenantID"), 10, 32)
	if err != nil || id == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_tenant", "message": "Tenant id must be a positive integer"})
	}
	c.Locals(keyTenantID, uint(id))
	return c.Next()
}

// TenantID returns the tenant resolved by TenantMiddleware, or 0.
func TenantID(c *fiber.Ctx) uint {
	if v, ok := c.Locals(keyTenantID).(uint); ok {
		return v
	}
	return 0
}
