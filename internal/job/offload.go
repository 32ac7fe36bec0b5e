package job

import (
	"slices"
	"strconv"
	"strings"
)

// OffloadToHost rewrites the arguments of a job moved to the large memory
// host: -maxthreads becomes threads, -TotalThreads twice that (the host is
// overloaded 2x), -maxmem becomes largeMem and virtual memory is
// unlimited.
func (j *Job) OffloadToHost(threads int, largeMem string) {
	j.threads = threads
	args := j.args
	if i := slices.Index(args, "-maxthreads"); i >= 0 && i+1 < len(args) {
		args[i+1] = strconv.Itoa(threads)
	}
	args = setOptionalValue(args, "-TotalThreads", strconv.Itoa(threads*2))
	if i := slices.Index(args, "-maxmem"); i >= 0 && i+1 < len(args) && largeMem != "" {
		args[i+1] = largeMem
	}
	if i := slices.Index(args, "-maxvirtmem"); i >= 0 && i+1 < len(args) {
		args[i+1] = "0"
	} else {
		args = append(args, "-maxvirtmem", "0")
	}
	j.args = args
}

// NormalizeTotalThreads sets the value of -TotalThreads, if the flag is
// present, for jobs staying on the regular nodes.
func (j *Job) NormalizeTotalThreads(threads int) {
	j.args = setOptionalValue(j.args, "-TotalThreads", strconv.Itoa(threads))
}

// setOptionalValue replaces the value following flag or inserts one when
// the flag is bare. Absent flags are left alone.
func setOptionalValue(args []string, flag, value string) []string {
	i := slices.Index(args, flag)
	if i < 0 {
		return args
	}
	if i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
		args[i+1] = value
		return args
	}
	return slices.Insert(args, i+1, value)
}
