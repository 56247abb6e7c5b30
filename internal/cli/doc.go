// Package cli реализует инструмент командной строки Flowstream.
//
// CLI работает через HTTP API и не импортирует внутренние пакеты системы:
// типы ответов продублированы в client.go.
//
// Команды:
//   - session: list, create, show, tasks, activate
//   - launch: запуск flows из YAML файла
//   - task: cancel
//   - view, stats: проекция активной сессии и состояние оркестратора
//   - watch: поток изменений проекции (SSE) до Ctrl+C
//
// Данные выводятся в stdout (таблица или JSON с флагом --json),
// сообщения в stderr:
//
//	flowstream session list --json | jq .
//
// Каждая группа создаётся фабричной функцией (NewSessionCmd и т.д.),
// принимающей clientFn и outputFn: Client и Output создаются лениво,
// после парсинга PersistentFlags.
package cli
