//go:build windows

package proclife

import (
	"os"
	"os/exec"
	"sync"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

// windowsSupervisor binds workers to a job object configured with
// JOB_OBJECT_LIMIT_KILL_ON_JOB_CLOSE. When the job handle closes for any
// reason, including abnormal parent termination, the kernel kills every
// assigned process.
type windowsSupervisor struct {
	mu  sync.Mutex
	job windows.Handle
	err error
}

func newPlatformSupervisor() platformSupervisor {
	s := &windowsSupervisor{}
	s.job, s.err = createKillOnCloseJob()
	return s
}

func createKillOnCloseJob() (windows.Handle, error) {
	job, err := windows.CreateJobObject(nil, nil)
	if err != nil {
		return 0, err
	}
	info := windows.JOBOBJECT_EXTENDED_LIMIT_INFORMATION{
		BasicLimitInformation: windows.JOBOBJECT_BASIC_LIMIT_INFORMATION{
			LimitFlags: windows.JOB_OBJECT_LIMIT_KILL_ON_JOB_CLOSE,
		},
	}
	_, err = windows.SetInformationJobObject(
		job,
		windows.JobObjectExtendedLimitInformation,
		uintptr(unsafe.Pointer(&info)),
		uint32(unsafe.Sizeof(info)),
	)
	if err != nil {
		windows.CloseHandle(job)
		return 0, err
	}
	return job, nil
}

func (w *windowsSupervisor) supported() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err == nil && w.job != 0
}

// prepare keeps the child out of the parent's console group so interrupts
// do not reach workers directly; termination goes through the job object.
func (w *windowsSupervisor) prepare(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.CreationFlags |= windows.CREATE_NEW_PROCESS_GROUP
}

func (w *windowsSupervisor) assign(p *os.Process) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	handle, err := windows.OpenProcess(
		windows.PROCESS_SET_QUOTA|windows.PROCESS_TERMINATE,
		false,
		uint32(p.Pid),
	)
	if err != nil {
		return err
	}
	defer windows.CloseHandle(handle)
	return windows.AssignProcessToJobObject(w.job, handle)
}

func (w *windowsSupervisor) killTree(p *os.Process) error {
	// Processes assigned to the job die with it; killing the immediate
	// process here covers the window before assignment succeeded.
	return p.Kill()
}

func (w *windowsSupervisor) close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.job == 0 {
		return nil
	}
	err := windows.CloseHandle(w.job)
	w.job = 0
	return err
}
