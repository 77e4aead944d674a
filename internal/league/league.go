// Package league 将积分映射为段位。
package league

import (
	"sort"

	"github.com/lk2023060901/guessr-gateway/pkg/util/merr"
)

// Tier 为一个段位区间，Max 为 0 表示没有上限。
type Tier struct {
	Name string `json:"name"`
	Min  int    `json:"min"`
	Max  int    `json:"max,omitempty"`
}

// Resolver 将积分解析为段位。
type Resolver interface {
	Resolve(rating int) Tier
}

// Table 是按下限升序排列的段位表。
type Table struct {
	tiers []Tier
}

// DefaultTiers 为默认段位表。
var DefaultTiers = []Tier{
	{Name: "Trekker", Min: 0, Max: 1999},
	{Name: "Explorer", Min: 2000, Max: 4999},
	{Name: "Voyager", Min: 5000, Max: 7999},
	{Name: "Nomad", Min: 8000},
}

// Default 返回使用 DefaultTiers 的段位表。
func Default() *Table {
	t, _ := NewTable(DefaultTiers)
	return t
}

// NewTable 校验并创建段位表，各段位下限必须互不相同。
func NewTable(tiers []Tier) (*Table, error) {
	if len(tiers) == 0 {
		return nil, merr.WrapErrParameterMissing("tiers")
	}
	sorted := make([]Tier, len(tiers))
	copy(sorted, tiers)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Min < sorted[j].Min })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Min == sorted[i-1].Min {
			return nil, merr.WrapErrParameterInvalidMsg("duplicate tier lower bound %d", sorted[i].Min)
		}
	}
	return &Table{tiers: sorted}, nil
}

// Resolve 返回下限不大于 rating 的最高段位，低于所有下限时返回最低段位。
func (t *Table) Resolve(rating int) Tier {
	i := sort.Search(len(t.tiers), func(i int) bool { return t.tiers[i].Min > rating })
	if i == 0 {
		return t.tiers[0]
	}
	return t.tiers[i-1]
}

// Tiers 返回段位表的副本。
func (t *Table) Tiers() []Tier {
	out := make([]Tier, len(t.tiers))
	copy(out, t.tiers)
	return out
}
