package models

import (
	"strings"
	"testing"
)

func TestConditionMatches(t *testing.T) {
	q := &Quote{StockCode: "005930", Price: 72500, ChangeRate: 3.2, Volume: 1500000}

	cases := []struct {
		name      string
		condType  string
		threshold float64
		want      bool
	}{
		{"price above hit", ConditionPriceAbove, 72000, true},
		{"price above boundary", ConditionPriceAbove, 72500, true},
		{"price above miss", ConditionPriceAbove, 73000, false},
		{"price below hit", ConditionPriceBelow, 73000, true},
		{"price below miss", ConditionPriceBelow, 72000, false},
		{"volume above hit", ConditionVolumeAbove, 1000000, true},
		{"volume above miss", ConditionVolumeAbove, 2000000, false},
		{"change rate above hit", ConditionChangeRateAbove, 3.0, true},
		{"change rate above miss", ConditionChangeRateAbove, 5.0, false},
		{"change rate below miss", ConditionChangeRateBelow, 3.0, false},
		{"unknown type", "SOMETHING_ELSE", 0, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := &Condition{Type: tc.condType, Threshold: tc.threshold}
			if got := c.Matches(q); got != tc.want {
				t.Errorf("Matches() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestConditionMatchesNegativeRate(t *testing.T) {
	q := &Quote{StockCode: "000660", Price: 110000, ChangeRate: -6.4}
	c := &Condition{Type: ConditionChangeRateBelow, Threshold: -5}
	if !c.Matches(q) {
		t.Error("expected change rate -6.4 to match CHANGE_RATE_BELOW -5")
	}
}

func TestEventPriority(t *testing.T) {
	cases := []struct {
		name     string
		condType string
		rate     float64
		want     string
	}{
		{"urgent on big move up", ConditionPriceAbove, 11.2, PriorityUrgent},
		{"urgent on big move down", ConditionPriceBelow, -12.0, PriorityUrgent},
		{"high on medium move", ConditionPriceAbove, 5.5, PriorityHigh},
		{"high on volume spike", ConditionVolumeAbove, 0.3, PriorityHigh},
		{"normal otherwise", ConditionPriceAbove, 1.1, PriorityNormal},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			q := &Quote{ChangeRate: tc.rate}
			if got := EventPriority(tc.condType, q); got != tc.want {
				t.Errorf("EventPriority() = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestEventMessage(t *testing.T) {
	c := &Condition{StockCode: "005930", Type: ConditionPriceAbove, Threshold: 72000}
	q := &Quote{StockCode: "005930", Price: 72500}

	msg := EventMessage(c, q)
	if !strings.Contains(msg, "005930") || !strings.Contains(msg, "72500") || !strings.Contains(msg, "72000") {
		t.Errorf("message missing expected fields: %s", msg)
	}
}

func TestValidConditionType(t *testing.T) {
	for _, ct := range []string{ConditionPriceAbove, ConditionPriceBelow, ConditionVolumeAbove, ConditionChangeRateAbove, ConditionChangeRateBelow} {
		if !ValidConditionType(ct) {
			t.Errorf("expected %s to be valid", ct)
		}
	}
	if ValidConditionType("PRICE_EQUALS") {
		t.Error("expected PRICE_EQUALS to be invalid")
	}
}

func TestValidChannel(t *testing.T) {
	for _, ch := range []string{ChannelPush, ChannelEmail, ChannelSMS, ChannelWebhook} {
		if !ValidChannel(ch) {
			t.Errorf("expected %s to be valid", ch)
		}
	}
	if ValidChannel("CARRIER_PIGEON") {
		t.Error("expected unknown channel to be invalid")
	}
}
