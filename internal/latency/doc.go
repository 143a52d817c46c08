// Package latency 记录流水线各阶段耗时，并维护定长滚动历史用于计算移动平均。
package latency
