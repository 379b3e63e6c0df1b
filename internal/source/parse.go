package source

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ParseTime распознаёт временную метку в распространённых форматах источников:
// ISO 8601 (с зоной и без), дата без времени, европейский формат с косыми
// чертами и epoch в секундах или миллисекундах.
func ParseTime(v any) *time.Time {
	switch t := v.(type) {
	case time.Time:
		return &t
	case float64:
		return epochTime(int64(t))
	case int64:
		return epochTime(t)
	case int:
		return epochTime(int64(t))
	case json.Number:
		if iv, err := t.Int64(); err == nil {
			return epochTime(iv)
		}
		return nil
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return nil
		}
		layouts := []string{
			time.RFC3339,
			"2006-01-02T15:04:05",
			"2006-01-02 15:04:05",
			"2006-01-02",
			"02/01/2006 15:04:05",
			"02/01/2006",
		}
		for _, layout := range layouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return &ts
			}
		}
		if iv, err := strconv.ParseInt(s, 10, 64); err == nil {
			return epochTime(iv)
		}
	}
	return nil
}

func epochTime(v int64) *time.Time {
	if v <= 0 {
		return nil
	}
	// Значения больше ~2286 года в секундах считаем миллисекундами.
	if v > 10_000_000_000 {
		ts := time.UnixMilli(v).UTC()
		return &ts
	}
	ts := time.Unix(v, 0).UTC()
	return &ts
}

// ParseAmountMinor интерпретирует значение как сумму, уже выраженную
// в минорных единицах валюты.
func ParseAmountMinor(v any) (int64, error) {
	d, err := parseDecimal(v)
	if err != nil {
		return 0, err
	}
	return d.Round(0).IntPart(), nil
}

// ParseAmountMajor интерпретирует значение как сумму в основных единицах
// и переводит её в минорные.
func ParseAmountMajor(v any) (int64, error) {
	d, err := parseDecimal(v)
	if err != nil {
		return 0, err
	}
	return d.Shift(2).Round(0).IntPart(), nil
}

func parseDecimal(v any) (decimal.Decimal, error) {
	switch t := v.(type) {
	case float64:
		return decimal.NewFromFloat(t), nil
	case int64:
		return decimal.NewFromInt(t), nil
	case int:
		return decimal.NewFromInt(int64(t)), nil
	case json.Number:
		return decimal.NewFromString(t.String())
	case string:
		s := cleanAmount(t)
		if s == "" {
			return decimal.Decimal{}, fmt.Errorf("empty amount")
		}
		return decimal.NewFromString(s)
	}
	return decimal.Decimal{}, fmt.Errorf("unsupported amount type %T", v)
}

// cleanAmount убирает символы валют и пробелы и приводит десятичный
// разделитель к точке. Распознаёт и "1.234,56", и "1,234.56".
func cleanAmount(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if (r >= '0' && r <= '9') || r == '-' || r == '.' || r == ',' {
			b.WriteRune(r)
		}
	}
	s := b.String()

	lastDot := strings.LastIndex(s, ".")
	lastComma := strings.LastIndex(s, ",")

	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastComma > lastDot {
			// 1.234,56 — точки разделяют тысячи
			s = strings.ReplaceAll(s, ".", "")
			s = strings.ReplaceAll(s, ",", ".")
		} else {
			// 1,234.56 — запятые разделяют тысячи
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastComma >= 0:
		if strings.Count(s, ",") > 1 {
			s = strings.ReplaceAll(s, ",", "")
		} else {
			s = strings.Replace(s, ",", ".", 1)
		}
	}

	return s
}
