// Package interactive lets a running task ask connected clients questions and
// wait, up to a deadline, for their answers.
//
// A session moves from active to exactly one of completed, timeout or
// cancelled. Answers that arrive after that transition are rejected. On timeout
// the collected subset is returned when AllowPartialAnswers is set; otherwise
// the waiter gets no answers and should proceed without them.
package interactive
