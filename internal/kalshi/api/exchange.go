package api

import (
	"context"
	"fmt"
)

// ExchangeStatus reports whether the exchange and trading are active.
type ExchangeStatus struct {
	TradingActive               bool    `json:"trading_active"`
	ExchangeActive              bool    `json:"exchange_active"`
	ExchangeEstimatedResumeTime *string `json:"exchange_estimated_resume_time"`
}

type MaintenanceWindow struct {
	StartDatetime string `json:"start_datetime"`
	EndDatetime   string `json:"end_datetime"`
}

type DailySchedule struct {
	OpenTime  string `json:"open_time"`
	CloseTime string `json:"close_time"`
}

type WeeklySchedule struct {
	StartTime string          `json:"start_time"`
	EndTime   string          `json:"end_time"`
	Monday    []DailySchedule `json:"monday"`
	Tuesday   []DailySchedule `json:"tuesday"`
	Wednesday []DailySchedule `json:"wednesday"`
	Thursday  []DailySchedule `json:"thursday"`
	Friday    []DailySchedule `json:"friday"`
	Saturday  []DailySchedule `json:"saturday"`
	Sunday    []DailySchedule `json:"sunday"`
}

// ExchangeSchedule holds the standard trading hours and maintenance windows.
type ExchangeSchedule struct {
	MaintenanceWindows []MaintenanceWindow `json:"maintenance_windows"`
	StandardHours      []WeeklySchedule    `json:"standard_hours"`
}

func (c *Client) GetExchangeStatus(ctx context.Context) (*ExchangeStatus, error) {
	status, err := Get[*ExchangeStatus](ctx, c, "/exchange/status", nil)
	if err != nil {
		return nil, fmt.Errorf("couldn't get exchange status: %w", err)
	}
	return status, nil
}

func (c *Client) GetExchangeSchedule(ctx context.Context) (*ExchangeSchedule, error) {
	resp, err := Get[struct {
		Schedule *ExchangeSchedule `json:"schedule"`
	}](ctx, c, "/exchange/schedule", nil)
	if err != nil {
		return nil, fmt.Errorf("couldn't get exchange schedule: %w", err)
	}
	if resp.Schedule == nil {
		return nil, fmt.Errorf("couldn't get exchange schedule: response has no schedule")
	}
	return resp.Schedule, nil
}
