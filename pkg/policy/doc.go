// Package policy evaluates Rego policies for the advisory logic check.
//
// Every policy contributes the elements of its deny set as violations, and
// the logic score is 100 minus 10 per violation, floored at zero. Built-in
// policies flag dangerous calls and payloads that ignore what the task
// description asked for. Extra policies are loaded from .rego or .json files
// and can be hot-reloaded:
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	if err := eng.LoadPolicies(ctx, []string{"policies/"}); err != nil {
//	    return err
//	}
//	_ = eng.Watch(ctx, []string{"policies/"})
//
//	result, err := eng.Evaluate(ctx, &policy.Input{
//	    Payload:     code,
//	    Description: "a function that parses dates",
//	    Language:    "python",
//	})
//
// A policy that fails to evaluate is reported in Result.Warnings and does not
// affect the score.
package policy
