package tier

// Default returns the built-in tier table.
func Default() Table {
	return Table{
		Free: {
			Limits: map[Resource]Limit{
				Sites:           Max(1),
				Subscribers:     Max(1000),
				MonthlyRevenue:  Max(100),
				AutomationTasks: Max(5),
				APICalls:        Max(1000),
			},
			Features: map[string]bool{
				"basic_analytics": true,
			},
		},
		Pro: {
			Limits: map[Resource]Limit{
				Sites:           Max(5),
				Subscribers:     Max(10000),
				MonthlyRevenue:  Max(1000),
				AutomationTasks: Max(25),
				APICalls:        Max(10000),
			},
			Features: map[string]bool{
				"basic_analytics":    true,
				"advanced_analytics": true,
				"ab_testing":         true,
				"email_automation":   true,
				"api_access":         true,
			},
		},
		Enterprise: {
			Limits: map[Resource]Limit{
				Sites:           Unlimited(),
				Subscribers:     Unlimited(),
				MonthlyRevenue:  Unlimited(),
				AutomationTasks: Unlimited(),
				APICalls:        Unlimited(),
			},
			Features: map[string]bool{
				"basic_analytics":     true,
				"advanced_analytics":  true,
				"ab_testing":          true,
				"email_automation":    true,
				"api_access":          true,
				"white_label":         true,
				"priority_support":    true,
				"custom_integrations": true,
			},
		},
	}
}

// Paid reports whether a tier is sold through a subscription.
func Paid(n Name) bool {
	return n == Pro || n == Enterprise
}
