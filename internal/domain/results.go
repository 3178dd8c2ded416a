package domain

// HistoryExit — причина завершения обхода истории одной гильдии.
type HistoryExit string

const (
	// ExitReachedMax — достигнут лимит просмотренных сообщений.
	ExitReachedMax HistoryExit = "reached-max"
	// ExitExhausted — источник исчерпан раньше остальных условий.
	ExitExhausted HistoryExit = "exhausted"
	// ExitDone — обход дошёл до уже известных или слишком старых данных.
	ExitDone HistoryExit = "done"
)

// FetchErrorKind — класс ошибки уровня гильдии.
type FetchErrorKind string

const (
	// FetchErrBotNotAvailable — для гильдии нет живого активного бота.
	FetchErrBotNotAvailable FetchErrorKind = "bot-not-available"
	// FetchErrInternal — сбой во время постраничного обхода.
	FetchErrInternal FetchErrorKind = "internal-error"
)

// GuildFetchResult — исход выгрузки истории одной гильдии.
// Пустой Err означает успех; тогда заполнены Inserted и Exit.
type GuildFetchResult struct {
	Guild    GuildKey
	Assignee string

	Err   FetchErrorKind
	Cause error

	Inserted int
	Exit     HistoryExit
}

// OK сообщает, что гильдия обработана без ошибки.
func (r GuildFetchResult) OK() bool {
	return r.Err == ""
}

// FetchReport — сводный отчёт пакетной выгрузки истории.
// Инвариант: ErrorCount+OKCount == len(Results),
// MessageCount == сумма Inserted по успешным гильдиям.
type FetchReport struct {
	Results      []GuildFetchResult
	ErrorCount   int
	OKCount      int
	MessageCount int
}

// Add учитывает результат одной гильдии в отчёте.
func (rep *FetchReport) Add(r GuildFetchResult) {
	rep.Results = append(rep.Results, r)
	if r.OK() {
		rep.OKCount++
		rep.MessageCount += r.Inserted
	} else {
		rep.ErrorCount++
	}
}
