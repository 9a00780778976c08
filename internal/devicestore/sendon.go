package devicestore

import "sort"

// Rule 表示“收到 On 之后发送 Send”
type Rule struct {
	On   string
	Send string
}

// Rules 按设备 ID 保存有序规则队列，只匹配队首；规则不持久化。
type Rules struct {
	pending map[string][]Rule
}

func NewRules() *Rules {
	return &Rules{pending: make(map[string][]Rule)}
}

// Add 把规则追加到设备 id 的队尾
func (r *Rules) Add(id string, rule Rule) {
	r.pending[id] = append(r.pending[id], rule)
}

// Match 用设备 id 的入站载荷匹配队首规则。
// 命中时弹出队首并返回需要发送的载荷，队列为空时移除该 id。
func (r *Rules) Match(id, payload string) (string, bool) {
	list, ok := r.pending[id]
	if !ok || len(list) == 0 {
		return "", false
	}
	head := list[0]
	if head.On != payload {
		return "", false
	}
	if len(list) == 1 {
		delete(r.pending, id)
	} else {
		r.pending[id] = list[1:]
	}
	return head.Send, true
}

// Active 返回仍有待触发规则的设备 ID，按字典序
func (r *Rules) Active() []string {
	ids := make([]string, 0, len(r.pending))
	for id := range r.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
