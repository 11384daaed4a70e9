package store

// Observer 在条目被淘汰时同步收到通知。回调在 Store 的锁内执行，
// 实现应当足够轻量，且不得回调同一个 Store。
type Observer interface {
	OnEvict(key, value string)
}

// ObserverFunc 把普通函数适配为 Observer。
type ObserverFunc func(key, value string)

// OnEvict 让 ObserverFunc 满足 Observer。
func (f ObserverFunc) OnEvict(key, value string) {
	f(key, value)
}
