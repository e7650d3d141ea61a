// Package rangeset 维护有序、不相交、不相邻的闭区间集合（消息下标的已读状态、缓存窗口）。
package rangeset

import (
	"fmt"
	"sort"
)

// Range 闭区间 [From, To]
type Range struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
}

func (r Range) String() string { return fmt.Sprintf("[%d,%d]", r.From, r.To) }

func (r Range) Len() int64 {
	if r.To < r.From {
		return 0
	}
	return r.To - r.From + 1
}

// Merge 拼接后排序，再一次扫描合并重叠或相邻（to+1 == from）的区间。
// 输入不会被修改；结果与输入顺序无关。
func Merge(existing, incoming []Range) []Range {
	all := make([]Range, 0, len(existing)+len(incoming))
	for _, r := range existing {
		if r.To >= r.From {
			all = append(all, r)
		}
	}
	for _, r := range incoming {
		if r.To >= r.From {
			all = append(all, r)
		}
	}
	if len(all) == 0 {
		return []Range{}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].From != all[j].From {
			return all[i].From < all[j].From
		}
		return all[i].To < all[j].To
	})

	out := make([]Range, 0, len(all))
	cur := all[0]
	for _, r := range all[1:] {
		// cur.To+1 溢出时 r 一定被覆盖
		if r.From <= cur.To || r.From-1 == cur.To {
			if r.To > cur.To {
				cur.To = r.To
			}
			continue
		}
		out = append(out, cur)
		cur = r
	}
	return append(out, cur)
}

// Insert 单点并入
func Insert(ranges []Range, point int64) []Range {
	return Merge(ranges, []Range{{From: point, To: point}})
}

// Contains ranges 必须是 Merge 的输出
func Contains(ranges []Range, point int64) bool {
	i := sort.Search(len(ranges), func(i int) bool { return ranges[i].To >= point })
	return i < len(ranges) && ranges[i].From <= point
}

// Covered ranges 在 [from, to] 内覆盖的点数
func Covered(ranges []Range, from, to int64) int64 {
	if to < from {
		return 0
	}
	var n int64
	for _, r := range ranges {
		lo, hi := r.From, r.To
		if lo < from {
			lo = from
		}
		if hi > to {
			hi = to
		}
		if hi >= lo {
			n += hi - lo + 1
		}
	}
	return n
}

func Equal(a, b []Range) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Points 展开为单点列表，仅用于小集合（测试、日志）
func Points(ranges []Range) []int64 {
	var out []int64
	for _, r := range ranges {
		for p := r.From; p <= r.To; p++ {
			out = append(out, p)
		}
	}
	return out
}

// FromPoints 由离散点构造区间集合
func FromPoints(points []int64) []Range {
	rs := make([]Range, 0, len(points))
	for _, p := range points {
		rs = append(rs, Range{From: p, To: p})
	}
	return Merge(nil, rs)
}
