// Package sqlstore 使用 database/sql 持久化决策日志、联邦轮次历史与遗忘请求。
// 支持 MySQL（go-sql-driver/mysql）与内嵌 SQLite（modernc.org/sqlite）两种驱动，
// 迁移脚本嵌入自 deploy/migrations。
package sqlstore
