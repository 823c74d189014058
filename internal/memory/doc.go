// Package memory 定义智能体共享的持久化记忆契约：按 (scope, key) 读写，
// 后写覆盖先写，单键读-改-写原子。提供进程内、Redis 与 MySQL 三种实现。
package memory
