// Package source содержит контракт адаптеров источников и защитный слой
// извлечения полей из «сырых» записей с неоднородной структурой.
package source

import (
	"context"
	"strconv"
	"strings"
	"time"
)

// RawRecord — запись источника в виде поля-карты. Форма зависит от провайдера
// и может меняться без предупреждения, поэтому доступ к полям идёт только
// через упорядоченные списки кандидатов.
type RawRecord map[string]any

// Batch — результат одной выборки адаптера.
type Batch struct {
	Transactions  []RawRecord
	Refunds       []RawRecord
	Subscriptions []RawRecord
}

// Adapter — контракт адаптера источника. Fetch возвращает записи,
// изменённые после указанной отметки; nil означает полную выборку.
type Adapter interface {
	Name() string
	Stream() string
	Fetch(ctx context.Context, since *time.Time) (*Batch, error)
}

// lookup возвращает значение по пути вида "purchase.attributes.state".
// Числовой сегмент пути означает индекс в массиве.
func (r RawRecord) lookup(path string) (any, bool) {
	var cur any = map[string]any(r)
	for _, seg := range strings.Split(path, ".") {
		switch v := cur.(type) {
		case map[string]any:
			next, ok := v[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case RawRecord:
			next, ok := v[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			cur = v[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// First возвращает первое непустое значение среди путей-кандидатов.
func (r RawRecord) First(paths ...string) (any, bool) {
	for _, p := range paths {
		v, ok := r.lookup(p)
		if !ok || v == nil {
			continue
		}
		if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
			continue
		}
		return v, true
	}
	return nil, false
}

// StringField возвращает первое непустое строковое представление значения
// среди путей-кандидатов.
func (r RawRecord) StringField(paths ...string) string {
	v, ok := r.First(paths...)
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(t, 10)
	case int:
		return strconv.Itoa(t)
	case bool:
		return strconv.FormatBool(t)
	}
	return ""
}

// TimeField возвращает первую распознанную временную метку среди кандидатов.
func (r RawRecord) TimeField(paths ...string) *time.Time {
	for _, p := range paths {
		v, ok := r.lookup(p)
		if !ok || v == nil {
			continue
		}
		if ts := ParseTime(v); ts != nil {
			return ts
		}
	}
	return nil
}
