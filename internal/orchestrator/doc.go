// Package orchestrator управляет живыми потоками событий удалённых tasks.
//
// Orchestrator отвечает за:
//   - Запуск одобренных flows одним пакетом (Launcher)
//   - Одно соединение потока на task (Manager)
//   - Слияние событий с записями TaskSession (Reconciler)
//   - Переключение активной ParentSession (Switcher)
//   - Проекцию активной сессии для клиентов (ViewModel)
//
// Потоки неактивных сессий продолжают работать в фоне: переключение
// меняет только то, что видит пользователь.
package orchestrator
