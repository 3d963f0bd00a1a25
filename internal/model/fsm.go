package model

// Transitions 状态机迁移表：当前状态 -> 允许的目标状态
// 不在表中的状态视为终态
type Transitions[S comparable] map[S][]S

func (t Transitions[S]) Can(from, to S) bool {
	allowed, exists := t[from]
	if !exists {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

func (t Transitions[S]) IsTerminal(s S) bool {
	return len(t[s]) == 0
}
