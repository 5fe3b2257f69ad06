package jobctl

import (
	"fmt"

	"github.com/ignea/consulta/internal/protocol"
)

// Messages shown to the user.
const (
	MsgEmptyInput     = "Preencha o campo de CNPJ(s) ou envie um arquivo CSV."
	MsgInvalidChars   = "O campo CNPJ(s) só pode conter números, vírgulas e espaços."
	MsgStartFailed    = "Falha ao iniciar o processamento."
	MsgStepFailed     = "Falha ao processar o próximo item."
	MsgFinalized      = "Processamento concluído e salvo no histórico."
	MsgCancelled      = "Processamento cancelado pelo usuário."
	MsgFinalizeFailed = "Falha ao salvar histórico."
)

func ProgressText(processed, total int) string {
	return fmt.Sprintf("Progresso: %d/%d", processed, total)
}

// Event is delivered to subscribers on every observable transition.
type Event interface {
	event()
}

// Controls describes which page controls a transition leaves visible.
type Controls struct {
	SubmitEnabled bool
	PauseVisible  bool
	ResumeVisible bool
	CancelVisible bool
	Compact       bool
}

var (
	controlsIdle    = Controls{SubmitEnabled: true}
	controlsRunning = Controls{PauseVisible: true, CancelVisible: true, Compact: true}
	controlsPaused  = Controls{ResumeVisible: true, CancelVisible: true}
)

type (
	ValidationFailed struct{ Message string }
	// Submitted clears the results of the previous run.
	Submitted struct{}
	Started   struct{ Total int }
	Progress  struct {
		Processed int
		Total     int
	}
	ItemReceived struct {
		Row       protocol.ResultRow
		Processed int
		Total     int
	}
	Paused    struct{}
	Resumed   struct{}
	Cancelled struct{ Message string }
	Done      struct {
		Processed int
		Total     int
	}
	Finalized      struct{ Message string }
	FinalizeFailed struct {
		Message string
		Err     error
	}
	StartFailed struct {
		Message string
		Err     error
	}
	StepFailed struct {
		Message string
		Err     error
	}
	ControlsChanged struct{ Controls Controls }
)

func (ValidationFailed) event() {}
func (Submitted) event()        {}
func (Started) event()          {}
func (Progress) event()         {}
func (ItemReceived) event()     {}
func (Paused) event()           {}
func (Resumed) event()          {}
func (Cancelled) event()        {}
func (Done) event()             {}
func (Finalized) event()        {}
func (FinalizeFailed) event()   {}
func (StartFailed) event()      {}
func (StepFailed) event()       {}
func (ControlsChanged) event()  {}

func (p Progress) Text() string { return ProgressText(p.Processed, p.Total) }
