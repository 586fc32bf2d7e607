package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

type SubscriptionStatus string

const (
	SubscriptionStatusActive   SubscriptionStatus = "ACTIVE"
	SubscriptionStatusCanceled SubscriptionStatus = "CANCELED"
	SubscriptionStatusExpired  SubscriptionStatus = "EXPIRED"
	SubscriptionStatusPastDue  SubscriptionStatus = "PAST_DUE"
)

func (s SubscriptionStatus) Valid() bool {
	switch s {
	case SubscriptionStatusActive, SubscriptionStatusCanceled,
		SubscriptionStatusExpired, SubscriptionStatusPastDue:
		return true
	}
	return false
}

// Subscription entitles a tenant to a monthly credit grant while ACTIVE.
// EndDate is exclusive of grants: a subscription whose end date has passed
// is expired before any grant cycle considers it.
type Subscription struct {
	ID             snowflake.ID       `gorm:"primaryKey" json:"id"`
	TenantID       string             `gorm:"index" json:"tenant_id"`
	Status         SubscriptionStatus `gorm:"index" json:"status"`
	PlanName       string             `gorm:"size:100" json:"plan_name"`
	MonthlyCredits decimal.Decimal    `gorm:"type:numeric(18,6)" json:"monthly_credits"`
	StartDate      time.Time          `gorm:"type:date" json:"start_date"`
	EndDate        *time.Time         `gorm:"type:date" json:"end_date,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

func (Subscription) TableName() string {
	return "subscriptions"
}
