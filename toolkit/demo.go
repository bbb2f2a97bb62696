package toolkit

// Main menu item identifiers of the demo application.
const (
	menuNews   = 1
	menuSports = 2
	menuTime   = 3
)

// Sports submenu item identifiers.
const (
	sportsChess    = 1
	sportsPainting = 2
	sportsSnakes   = 3
	sportsMain     = 4
)

// DemoApplication is the default toolkit application: a small menu tree
// exercising SetupMenu, SelectItem, DisplayText, and SetupCall.
type DemoApplication struct{}

func (a *DemoApplication) Main(e *Engine) {
	e.Command(Command{
		Type: SetupMenu,
		Items: []MenuItem{
			{Identifier: menuNews, Label: "News"},
			{Identifier: menuSports, Label: "Sports"},
			{Identifier: menuTime, Label: "Time"},
		},
	}, nil)
}

func (a *DemoApplication) MenuSelection(e *Engine, id int) {
	switch id {
	case menuNews:
		a.sendNews(e)
	case menuSports:
		a.sendSportsMenu(e)
	case menuTime:
		e.Command(Command{
			Type:   SetupCall,
			Text:   "Dialing the Time Guy ...",
			Number: "1194",
		}, func(TerminalResponse) { a.Main(e) })
	default:
		// Unknown item, just re-display the main menu.
		a.Main(e)
	}
}

func (a *DemoApplication) MenuHelp(e *Engine, id int) {
	e.Command(Command{
		Type: DisplayText,
		Text: "There is no help, you are on your own.",
	}, func(TerminalResponse) { a.Main(e) })
}

func (a *DemoApplication) sendNews(e *Engine) {
	e.Command(Command{
		Type: DisplayText,
		Text: "Police today arrested a man on suspicion of making " +
			"phone calls while intoxicated. Witnesses claimed that they " +
			"heard the man exclaim \"I washent dwinkn!\" as officers " +
			"escorted him away.",
	}, func(TerminalResponse) { a.Main(e) })
}

func (a *DemoApplication) sendSportsMenu(e *Engine) {
	e.Command(Command{
		Type: SelectItem,
		Text: "Sports",
		Items: []MenuItem{
			{Identifier: sportsChess, Label: "Chess"},
			{Identifier: sportsPainting, Label: "Finger Painting"},
			{Identifier: sportsSnakes, Label: "Snakes and Ladders"},
			{Identifier: sportsMain, Label: "Return to main menu"},
		},
	}, a.sportsMenuResponse(e))
}

func (a *DemoApplication) sportsMenuResponse(e *Engine) func(TerminalResponse) {
	return func(resp TerminalResponse) {
		if resp.Result != ResultSuccess {
			a.Main(e)
			return
		}
		switch resp.MenuItem {
		case sportsChess:
			e.Command(Command{
				Type: DisplayText,
				Text: "Kasparov 3, Deep Blue 4",
			}, func(TerminalResponse) { a.sendSportsMenu(e) })
		case sportsPainting:
			e.Command(Command{
				Type: DisplayText,
				Text: "Little Johnny won the finger painting championship.",
			}, func(TerminalResponse) { a.sendSportsMenu(e) })
		case sportsSnakes:
			e.Command(Command{
				Type: DisplayText,
				Text: "The snakes won, the ladders lost.",
			}, func(TerminalResponse) { a.sendSportsMenu(e) })
		default:
			a.Main(e)
		}
	}
}
