// Package migration はSQLiteデータベースのマイグレーションを管理する。
//
// fs.FS（通常はembed.FS）から 000001_description.up.sql 形式のファイルを読み込み、
// schema_migrations テーブルで適用状態を追跡する。各マイグレーションは
// 1回だけ、トランザクション内で適用される。
package migration
