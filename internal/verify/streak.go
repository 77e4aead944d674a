package verify

import (
	"time"

	"github.com/lk2023060901/guessr-gateway/internal/store"
	"github.com/lk2023060901/guessr-gateway/pkg/util/merr"
)

// LoadTimezone 解析 IANA 时区名。空串与 "Local" 不被接受。
func LoadTimezone(name string) (*time.Location, error) {
	if name == "" || name == "Local" {
		return nil, merr.WrapErrInvalidTimezone(name, nil)
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, merr.WrapErrInvalidTimezone(name, err)
	}
	return loc, nil
}

// dayDiff 返回 a、b 两个日历日期之间相差的天数。
func dayDiff(a, b time.Time) int {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	da := time.Date(ay, am, ad, 0, 0, 0, 0, time.UTC)
	db := time.Date(by, bm, bd, 0, 0, 0, 0, time.UTC)
	return int(da.Sub(db).Hours() / 24)
}

// ComputeStreak 计算登录后的连续登录天数。
//
// 今天取客户端时区 loc 的日期，上次登录日取上次保存的时区（无效时按 UTC）。
// 相差 1 天加一，超过 1 天清零，首次登录置为 1；其余情况不变且不通知客户端。
func ComputeStreak(u *store.User, loc *time.Location, now time.Time) (streak int, changed bool) {
	lastLoc := time.UTC
	if prev, err := LoadTimezone(u.TimeZone); err == nil {
		lastLoc = prev
	}
	g := dayDiff(now.In(loc), u.LastLogin.In(lastLoc))

	streak = u.Streak
	switch {
	case g == 1:
		streak++
		changed = true
	case g > 1:
		streak = 0
		changed = true
	}
	if !u.FirstLoginComplete {
		streak = 1
		changed = true
	}
	return streak, changed
}
