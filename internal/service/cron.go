package service

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/scapsuite/scanward/internal/model"
)

// ParseCron validates a 5 field cron expression or a @macro.
func ParseCron(expr string) error {
	e := strings.TrimSpace(expr)
	if e == "" {
		return fmt.Errorf("empty cron expression")
	}

	// Macros / @every handled by ParseStandard.
	if strings.HasPrefix(e, "@") {
		_, err := cron.ParseStandard(e)
		return err
	}

	parser5 := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	_, err := parser5.Parse(e)
	return err
}

var everyRx = regexp.MustCompile(`^(\d+d)?(\d+h)?(\d+m)?(\d+s)?$`)

// ParseEvery parses strings matching ^(\d+d)?(\d+h)?(\d+m)?(\d+s)?$ into
// time.Duration. Empty string rejected.
func ParseEvery(s string) (time.Duration, error) {
	if s == "" {
		return 0, errors.New("empty duration")
	}
	m := everyRx.FindStringSubmatch(s)
	if m == nil {
		return 0, errors.New("invalid duration format")
	}
	var total time.Duration
	for _, seg := range m[1:] { // groups 1..4
		if seg == "" {
			continue
		}
		// seg like "12d"
		numStr := seg[:len(seg)-1]
		val, err := strconv.ParseInt(numStr, 10, 64)
		if err != nil {
			return 0, errors.New("invalid number in " + seg)
		}
		var add time.Duration
		switch last := seg[len(seg)-1]; last {
		case 'd':
			add = time.Hour * 24 * time.Duration(val)
		case 'h':
			add = time.Hour * time.Duration(val)
		case 'm':
			add = time.Minute * time.Duration(val)
		case 's':
			add = time.Second * time.Duration(val)
		default:
			return 0, errors.New("unknown unit in " + seg)
		}
		if add > 0 && total > time.Duration(math.MaxInt64)-add {
			return 0, errors.New("duration overflow")
		}
		total += add
	}
	if total == 0 {
		return 0, errors.New("zero duration")
	}
	return total, nil
}

// ValidateSchedule checks that exactly one of cron or every is set and
// parses.
func ValidateSchedule(s model.Schedule) error {
	switch {
	case s.Cron != "" && s.Every != "":
		return errors.New("cron and every are mutually exclusive")
	case s.Cron != "":
		return ParseCron(s.Cron)
	case s.Every != "":
		_, err := ParseEvery(s.Every)
		return err
	default:
		return errors.New("both cron and every are empty")
	}
}
