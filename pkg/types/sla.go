package types

// SLACategory 定义SLA紧急程度分类
type SLACategory string

const (
	SLACategoryNone     SLACategory = ""         // 无SLA约束
	SLACategoryCritical SLACategory = "critical" // 关键
	SLACategoryHigh     SLACategory = "high"     // 高
	SLACategoryMedium   SLACategory = "medium"   // 中
	SLACategoryLow      SLACategory = "low"      // 低
)

// Valid 检查分类是否已知
func (c SLACategory) Valid() bool {
	switch c {
	case SLACategoryNone, SLACategoryCritical, SLACategoryHigh, SLACategoryMedium, SLACategoryLow:
		return true
	}
	return false
}

// Urgency 返回分类的紧急度权重，调度排序用，值越大越紧急
func (c SLACategory) Urgency() int {
	switch c {
	case SLACategoryCritical:
		return 4
	case SLACategoryHigh:
		return 3
	case SLACategoryMedium:
		return 2
	case SLACategoryLow:
		return 1
	default:
		return 0
	}
}
