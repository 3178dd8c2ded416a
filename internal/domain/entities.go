package domain

// GuildKey идентифицирует гильдию в пределах платформы.
type GuildKey struct {
	Platform string
	GuildID  string
}

// String возвращает каноничную форму "platform:guildId".
func (k GuildKey) String() string {
	return k.Platform + ":" + k.GuildID
}

// SavedGuild описывает гильдию, которую система наблюдала хотя бы раз.
// Tracked включается только явной командой и обратно не переключается.
type SavedGuild struct {
	Platform   string
	GuildID    string
	Name       string
	AssigneeID string
	Tracked    bool
}

// Key возвращает составной ключ гильдии.
func (g SavedGuild) Key() GuildKey {
	return GuildKey{Platform: g.Platform, GuildID: g.GuildID}
}

// SavedMessage представляет заархивированное сообщение.
// Запись неизменяема: повторная вставка того же id ничего не обновляет.
type SavedMessage struct {
	ID        string
	Platform  string
	GuildID   string
	UserID    string
	Username  string
	Content   string
	Timestamp int64 // unix-время в миллисекундах
}

// Duration задаёт интервал времени в миллисекундах; nil означает
// отсутствие границы с соответствующей стороны.
type Duration struct {
	Start *int64
	End   *int64
}

// Valid сообщает, что границы интервала не перепутаны.
func (d Duration) Valid() bool {
	if d.Start != nil && d.End != nil {
		return *d.Start <= *d.End
	}
	return true
}

// RawMessage — единая форма сообщения, в которую адаптер платформы
// отображает свой ответ сразу на границе.
type RawMessage struct {
	ID        string
	GuildID   string
	UserID    string
	Username  string
	Content   string
	Timestamp int64
}

// RawGuild — метаданные гильдии из API платформы.
type RawGuild struct {
	ID   string
	Name string
}

// RawMember — участник гильдии из API платформы.
type RawMember struct {
	ID   string
	Name string
}
